package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-engine/internal/adapters/repository"
	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
)

// funcProvider answers Send through a function keyed on the chat id
type funcProvider struct {
	mu    sync.Mutex
	calls []string
	send  func(chatID string) (string, error)
}

func (p *funcProvider) GetState(context.Context, *domain.Instance) (string, error) {
	return "authorized", nil
}

func (p *funcProvider) Send(_ context.Context, _ *domain.Instance, msg ports.OutboundMessage) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, msg.ChatID)
	p.mu.Unlock()
	return p.send(msg.ChatID)
}

func (p *funcProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type workerFixture struct {
	repo      *repository.MemoryRepository
	clock     *fixedClock
	queue     *OutboundQueue
	campaigns *CampaignDispatcher
	worker    *DeliveryWorker
}

func newWorkerFixture(provider ports.ProviderGateway, cfg WorkerConfig) *workerFixture {
	repo := repository.NewMemoryRepository()
	clock := newClock(testNow)
	repo.Now = clock.Now

	queue := newTestQueue(repo, clock)
	registry := NewRegistry(repo)
	registry.now = clock.Now
	campaigns := NewCampaignDispatcher(repo, queue)
	campaigns.now = clock.Now

	w := NewDeliveryWorker(queue, repo, repo, registry, provider, NewInstanceLimiter(10000, 1000), campaigns, nil, cfg)
	w.now = clock.Now

	return &workerFixture{repo: repo, clock: clock, queue: queue, campaigns: campaigns, worker: w}
}

func TestBackoff(t *testing.T) {
	base, max := 2*time.Second, time.Minute

	assert.Equal(t, 2*time.Second, Backoff(base, max, 0))
	assert.Equal(t, 4*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 16*time.Second, Backoff(base, max, 3))
	assert.Equal(t, time.Minute, Backoff(base, max, 5))
	assert.Equal(t, time.Minute, Backoff(base, max, 500))
	assert.Equal(t, 2*time.Second, Backoff(base, max, -1))
}

func TestDeliveryWorker_Sent(t *testing.T) {
	provider := new(MockProvider)
	f := newWorkerFixture(provider, WorkerConfig{})
	inst := seedInstance(f.repo, "7103", domain.AuthStateAuthorized, nil)
	provider.On("Send", mock.Anything, inst.ID, "chat-1").Return("pm-1", nil).Once()

	msg, err := f.queue.Enqueue(context.Background(), EnqueueRequest{InstanceID: inst.ID, ChatID: "chat-1", Content: "hello"})
	require.NoError(t, err)

	n, err := f.worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.queue.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, stored.Status)
	require.NotNil(t, stored.ProviderMessageID)
	assert.Equal(t, "pm-1", *stored.ProviderMessageID)
	provider.AssertExpectations(t)
}

func TestDeliveryWorker_RateLimitedThenSent(t *testing.T) {
	provider := new(MockProvider)
	f := newWorkerFixture(provider, WorkerConfig{BackoffBase: 2 * time.Second})
	inst := seedInstance(f.repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	provider.On("Send", mock.Anything, inst.ID, "chat-1").Return("", &rateLimitErr{after: 30 * time.Second}).Once()
	provider.On("Send", mock.Anything, inst.ID, "chat-1").Return("pm-1", nil).Once()

	msg, err := f.queue.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: "chat-1", Content: "hello"})
	require.NoError(t, err)

	_, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	stored, _ := f.queue.Get(ctx, msg.ID)
	assert.Equal(t, domain.MessageStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.True(t, stored.ScheduledAt.Equal(testNow.Add(30*time.Second)), "retry-after wins over backoff")

	// Not due yet
	n, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(31 * time.Second)
	_, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	stored, _ = f.queue.Get(ctx, msg.ID)
	assert.Equal(t, domain.MessageStatusSent, stored.Status)
	provider.AssertExpectations(t)
}

func TestDeliveryWorker_RateLimitDefersRestOfInstance(t *testing.T) {
	provider := &funcProvider{send: func(string) (string, error) {
		return "", &rateLimitErr{}
	}}
	f := newWorkerFixture(provider, WorkerConfig{BackoffBase: 5 * time.Second})
	inst := seedInstance(f.repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.queue.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: fmt.Sprintf("chat-%d", i), Content: "hi"})
		require.NoError(t, err)
	}

	_, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.callCount())
	for _, m := range f.repo.Messages() {
		assert.Equal(t, domain.MessageStatusPending, m.Status)
		assert.True(t, m.ScheduledAt.Equal(testNow.Add(5*time.Second)))
	}
}

func TestDeliveryWorker_TransientExhaustsAttempts(t *testing.T) {
	provider := &funcProvider{send: func(string) (string, error) {
		return "", fmt.Errorf("%w: 502 bad gateway", domain.ErrTransient)
	}}
	f := newWorkerFixture(provider, WorkerConfig{MaxAttempts: 2, BackoffBase: time.Second})
	inst := seedInstance(f.repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	msg, err := f.queue.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: "chat-1", Content: "hello"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.worker.ProcessBatch(ctx)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	stored, _ := f.queue.Get(ctx, msg.ID)
	assert.Equal(t, domain.MessageStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "502")
	assert.Equal(t, 3, provider.callCount())
}

func TestDeliveryWorker_RejectedFailsImmediately(t *testing.T) {
	provider := &funcProvider{send: func(string) (string, error) {
		return "", fmt.Errorf("%w: invalid chat id", domain.ErrRejected)
	}}
	f := newWorkerFixture(provider, WorkerConfig{})
	inst := seedInstance(f.repo, "7103", domain.AuthStateAuthorized, nil)

	msg, err := f.queue.Enqueue(context.Background(), EnqueueRequest{InstanceID: inst.ID, ChatID: "chat-1", Content: "hello"})
	require.NoError(t, err)

	_, err = f.worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	stored, _ := f.queue.Get(context.Background(), msg.ID)
	assert.Equal(t, domain.MessageStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestDeliveryWorker_BlockedResponseFlipsInstance(t *testing.T) {
	provider := &funcProvider{send: func(string) (string, error) {
		return "", fmt.Errorf("%w: 403", domain.ErrInstanceBlocked)
	}}
	f := newWorkerFixture(provider, WorkerConfig{})
	inst := seedInstance(f.repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.queue.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: fmt.Sprintf("chat-%d", i), Content: "hi"})
		require.NoError(t, err)
	}

	_, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.callCount())
	for _, m := range f.repo.Messages() {
		assert.Equal(t, domain.MessageStatusFailed, m.Status)
	}
	stored, err := f.repo.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsBlocked())

	_, err = f.queue.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: "chat-9", Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrInvalidInstance)
}

func TestDeliveryWorker_InstanceBlockedAfterEnqueue(t *testing.T) {
	provider := &funcProvider{send: func(string) (string, error) { return "pm", nil }}
	f := newWorkerFixture(provider, WorkerConfig{})
	inst := seedInstance(f.repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	msg, err := f.queue.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: "chat-1", Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateAuthState(ctx, inst.ID, domain.AuthStateBlocked, testNow, nil))

	_, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	stored, _ := f.queue.Get(ctx, msg.ID)
	assert.Equal(t, domain.MessageStatusFailed, stored.Status)
	assert.Zero(t, provider.callCount())
}

func TestDeliveryWorker_CampaignCounters(t *testing.T) {
	failing := map[string]bool{"c1": true, "c4": true, "c8": true}
	provider := &funcProvider{send: func(chatID string) (string, error) {
		if failing[chatID] {
			return "", fmt.Errorf("%w: number not on network", domain.ErrRejected)
		}
		return "pm-" + chatID, nil
	}}
	f := newWorkerFixture(provider, WorkerConfig{})
	inst := seedInstance(f.repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	var recipients []string
	for i := 0; i < 10; i++ {
		recipients = append(recipients, fmt.Sprintf("c%d", i))
	}
	c, err := f.campaigns.Dispatch(ctx, DispatchRequest{InstanceID: inst.ID, Content: "promo", Recipients: recipients})
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusSending, c.Status)

	_, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)

	got, err := f.campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Sent)
	assert.Equal(t, 3, got.Failed)
	assert.Equal(t, domain.CampaignStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestDeliveryWorker_RecoversPanics(t *testing.T) {
	provider := &funcProvider{send: func(string) (string, error) { panic("boom") }}
	f := newWorkerFixture(provider, WorkerConfig{BackoffBase: time.Second})
	inst := seedInstance(f.repo, "7103", domain.AuthStateAuthorized, nil)

	msg, err := f.queue.Enqueue(context.Background(), EnqueueRequest{InstanceID: inst.ID, ChatID: "chat-1", Content: "hi"})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err = f.worker.ProcessBatch(context.Background())
	})
	require.NoError(t, err)

	stored, _ := f.queue.Get(context.Background(), msg.ID)
	assert.Equal(t, domain.MessageStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestDeliveryWorker_RunStopsOnCancel(t *testing.T) {
	provider := &funcProvider{send: func(string) (string, error) { return "pm", nil }}
	f := newWorkerFixture(provider, WorkerConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// takeoverRepo hands out a claim, then lets a second worker release the rows
// as stale and claim them again before the first worker sends
type takeoverRepo struct {
	*repository.MemoryRepository
}

func (r takeoverRepo) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	mine, err := r.MemoryRepository.ClaimBatch(ctx, now, limit)
	if err != nil || len(mine) == 0 {
		return mine, err
	}
	if _, err := r.RecoverStale(ctx, now.Add(time.Hour)); err != nil {
		return nil, err
	}
	if _, err := r.MemoryRepository.ClaimBatch(ctx, now, limit); err != nil {
		return nil, err
	}
	return mine, nil
}

func TestDeliveryWorker_SkipsMessageClaimedByAnotherWorker(t *testing.T) {
	provider := &funcProvider{send: func(string) (string, error) { return "pm", nil }}
	repo := repository.NewMemoryRepository()
	clock := newClock(testNow)
	repo.Now = clock.Now
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)

	stolen := takeoverRepo{repo}
	queue := NewOutboundQueue(repo, stolen, nil)
	queue.now = clock.Now
	registry := NewRegistry(repo)
	w := NewDeliveryWorker(queue, stolen, repo, registry, provider, NewInstanceLimiter(10000, 1000), nil, nil, WorkerConfig{})
	w.now = clock.Now

	msg, err := queue.Enqueue(context.Background(), EnqueueRequest{InstanceID: inst.ID, ChatID: "628111", Content: "hello"})
	require.NoError(t, err)

	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Zero(t, provider.callCount())
	stored, _ := queue.Get(context.Background(), msg.ID)
	assert.Equal(t, domain.MessageStatusSending, stored.Status, "the second claim still owns the row")
	assert.Zero(t, stored.Attempts)
}
