package services

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-engine/internal/adapters/repository"
	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
)

// ============================================================================
// Mocks
// ============================================================================

// MockProvider mocks ProviderGateway
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) GetState(ctx context.Context, inst *domain.Instance) (string, error) {
	args := m.Called(ctx, inst.ID)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) Send(ctx context.Context, inst *domain.Instance, msg ports.OutboundMessage) (string, error) {
	args := m.Called(ctx, inst.ID, msg.ChatID)
	return args.String(0), args.Error(1)
}

// MockDedupRepository mocks DedupRepository
type MockDedupRepository struct {
	mock.Mock
}

func (m *MockDedupRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDedupRepository) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	args := m.Called(ctx, eventID, ttl)
	return args.Error(0)
}

// recordingHandler captures inbound hand-offs
type recordingHandler struct {
	mu     sync.Mutex
	events []*domain.InboundEvent
}

func (h *recordingHandler) HandleInbound(_ context.Context, _ *domain.Instance, evt *domain.InboundEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// rateLimitErr is a provider 429 with a Retry-After hint
type rateLimitErr struct {
	after time.Duration
}

func (e *rateLimitErr) Error() string             { return "provider returned 429" }
func (e *rateLimitErr) Unwrap() error             { return domain.ErrRateLimited }
func (e *rateLimitErr) RetryAfter() time.Duration { return e.after }

// ============================================================================
// Helpers
// ============================================================================

var testNow = time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)

// fixedClock is a mutable clock shared between services in one test
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// seedInstance registers an instance directly in the memory repository
func seedInstance(repo *repository.MemoryRepository, identifier string, state domain.AuthState, ownerID *int64) *domain.Instance {
	inst, _, err := repo.Upsert(context.Background(), &domain.Instance{
		Identifier: identifier,
		OwnerID:    ownerID,
		Credential: "secret-" + identifier,
		HostURL:    "https://provider.test",
		AuthState:  domain.AuthStateUnknown,
		Status:     domain.StatusFor(domain.AuthStateUnknown),
	})
	if err != nil {
		panic(err)
	}
	if state != domain.AuthStateUnknown {
		if err := repo.UpdateAuthState(context.Background(), inst.ID, state, testNow, nil); err != nil {
			panic(err)
		}
		inst.AuthState = state
		inst.Status = domain.StatusFor(state)
	}
	return inst
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }
