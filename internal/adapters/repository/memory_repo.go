package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
)

var (
	_ ports.InstanceRepository  = (*MemoryRepository)(nil)
	_ ports.QueueRepository     = (*MemoryRepository)(nil)
	_ ports.InboundRepository   = (*MemoryRepository)(nil)
	_ ports.RuleRepository      = (*MemoryRepository)(nil)
	_ ports.CampaignRepository  = (*MemoryRepository)(nil)
	_ ports.WebhookRepository   = (*MemoryRepository)(nil)
	_ ports.DedupRepository     = (*MemoryRepository)(nil)
	_ ports.RetentionRepository = (*MemoryRepository)(nil)
)

// MemoryRepository keeps every table in process memory behind one mutex.
// Used for local runs without MariaDB and as the service test double.
type MemoryRepository struct {
	mu sync.Mutex

	nextID    int64
	instances map[int64]*domain.Instance
	messages  map[int64]*domain.QueuedMessage
	inbound   map[string]*domain.InboundEvent
	rules     map[int64]*domain.AutoReplyRule
	campaigns map[int64]*domain.Campaign
	logs      []*domain.WebhookLog
	dedup     map[string]time.Time

	// Now stamps updated_at columns; tests may replace it
	Now func() time.Time
}

// NewMemoryRepository creates an empty store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		instances: make(map[int64]*domain.Instance),
		messages:  make(map[int64]*domain.QueuedMessage),
		inbound:   make(map[string]*domain.InboundEvent),
		rules:     make(map[int64]*domain.AutoReplyRule),
		campaigns: make(map[int64]*domain.Campaign),
		dedup:     make(map[string]time.Time),
		Now:       time.Now,
	}
}

func (m *MemoryRepository) id() int64 {
	m.nextID++
	return m.nextID
}

// ============================================================================
// InstanceRepository
// ============================================================================

func (m *MemoryRepository) Upsert(_ context.Context, inst *domain.Instance) (*domain.Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.instances {
		if existing.Identifier == inst.Identifier {
			cp := *existing
			return &cp, false, nil
		}
	}

	now := m.Now()
	stored := *inst
	stored.ID = m.id()
	stored.IsPrimary = false
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.instances[stored.ID] = &stored

	cp := stored
	return &cp, true, nil
}

func (m *MemoryRepository) UpdateConfig(_ context.Context, id int64, credential, hostURL string, ownerID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !sameOwnerID(inst.OwnerID, ownerID) {
		inst.IsPrimary = false
	}
	inst.Credential = credential
	inst.HostURL = hostURL
	inst.OwnerID = ownerID
	inst.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryRepository) GetInstance(_ context.Context, id int64) (*domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *MemoryRepository) GetInstanceByIdentifier(_ context.Context, identifier string) (*domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.instances {
		if inst.Identifier == identifier {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MemoryRepository) ListInstances(_ context.Context) ([]*domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) SetPrimary(_ context.Context, ownerID, instanceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.instances[instanceID]
	if !ok || target.OwnerID == nil || *target.OwnerID != ownerID {
		return fmt.Errorf("instance %d for owner %d: %w", instanceID, ownerID, domain.ErrNotFound)
	}
	now := m.Now()
	for _, inst := range m.instances {
		if inst.OwnerID != nil && *inst.OwnerID == ownerID {
			inst.IsPrimary = inst.ID == instanceID
			inst.UpdatedAt = now
		}
	}
	return nil
}

func (m *MemoryRepository) UpdateAuthState(_ context.Context, id int64, state domain.AuthState, reconciledAt time.Time, authorizedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return domain.ErrNotFound
	}
	inst.AuthState = state
	inst.Status = domain.StatusFor(state)
	inst.LastReconciledAt = &reconciledAt
	if authorizedAt != nil {
		t := *authorizedAt
		inst.LastAuthorizedAt = &t
	}
	inst.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryRepository) TouchReconciled(_ context.Context, id int64, reconciledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return domain.ErrNotFound
	}
	inst.LastReconciledAt = &reconciledAt
	return nil
}

func (m *MemoryRepository) UpdateIdentifier(_ context.Context, id int64, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return domain.ErrNotFound
	}
	for _, other := range m.instances {
		if other.ID != id && other.Identifier == identifier {
			return domain.ErrDuplicateIdentifier
		}
	}
	inst.Identifier = identifier
	inst.UpdatedAt = m.Now()
	return nil
}

// ============================================================================
// QueueRepository
// ============================================================================

func (m *MemoryRepository) InsertMessage(_ context.Context, msg *domain.QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[msg.InstanceID]; !ok {
		return fmt.Errorf("insert queued message: instance %d: %w", msg.InstanceID, domain.ErrNotFound)
	}
	msg.ID = m.id()
	cp := *msg
	m.messages[cp.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetMessage(_ context.Context, id int64) (*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *MemoryRepository) ClaimBatch(_ context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*domain.QueuedMessage
	for _, msg := range m.messages {
		if msg.Status == domain.MessageStatusPending && !msg.ScheduledAt.After(now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	lease := uuid.NewString()
	out := make([]*domain.QueuedMessage, 0, len(due))
	for _, msg := range due {
		msg.Status = domain.MessageStatusSending
		msg.LeaseID = lease
		msg.UpdatedAt = m.Now()
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

// updateLeased applies fn only while the message is sending under lease
func (m *MemoryRepository) updateLeased(id int64, lease string, fn func(msg *domain.QueuedMessage)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	if msg.Status != domain.MessageStatusSending || msg.LeaseID != lease {
		return domain.ErrLeaseLost
	}
	fn(msg)
	msg.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryRepository) Heartbeat(_ context.Context, id int64, lease string) error {
	return m.updateLeased(id, lease, func(*domain.QueuedMessage) {})
}

func (m *MemoryRepository) MarkSent(_ context.Context, id int64, lease, providerMessageID string) error {
	return m.updateLeased(id, lease, func(msg *domain.QueuedMessage) {
		msg.Status = domain.MessageStatusSent
		msg.ProviderMessageID = &providerMessageID
		msg.LastError = nil
		msg.LeaseID = ""
	})
}

func (m *MemoryRepository) MarkFailed(_ context.Context, id int64, lease string, attempts int, lastError string) error {
	return m.updateLeased(id, lease, func(msg *domain.QueuedMessage) {
		msg.Status = domain.MessageStatusFailed
		msg.Attempts = attempts
		msg.LastError = &lastError
		msg.LeaseID = ""
	})
}

func (m *MemoryRepository) Reschedule(_ context.Context, id int64, lease string, scheduledAt time.Time, attempts int, lastError *string) error {
	return m.updateLeased(id, lease, func(msg *domain.QueuedMessage) {
		msg.Status = domain.MessageStatusPending
		msg.ScheduledAt = scheduledAt
		msg.Attempts = attempts
		msg.LastError = lastError
		msg.LeaseID = ""
	})
}

func (m *MemoryRepository) MarkDelivered(_ context.Context, instanceID int64, providerMessageID string) (*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		if msg.InstanceID != instanceID || msg.Status != domain.MessageStatusSent {
			continue
		}
		if msg.ProviderMessageID == nil || *msg.ProviderMessageID != providerMessageID {
			continue
		}
		msg.Status = domain.MessageStatusDelivered
		msg.UpdatedAt = m.Now()
		cp := *msg
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryRepository) RecoverStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages {
		if msg.Status == domain.MessageStatusSending && msg.UpdatedAt.Before(cutoff) {
			msg.Status = domain.MessageStatusPending
			msg.LeaseID = ""
			msg.UpdatedAt = m.Now()
			n++
		}
	}
	return n, nil
}

// Messages returns a snapshot of every queued message ordered by id
func (m *MemoryRepository) Messages() []*domain.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.QueuedMessage, 0, len(m.messages))
	for _, msg := range m.messages {
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// InboundRepository
// ============================================================================

func (m *MemoryRepository) InsertIfAbsent(_ context.Context, evt *domain.InboundEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%d:%s", evt.InstanceID, evt.ProviderMessageID)
	if _, ok := m.inbound[key]; ok {
		return false, nil
	}
	evt.ID = m.id()
	cp := *evt
	m.inbound[key] = &cp
	return true, nil
}

// InboundEvents returns a snapshot of stored inbound events ordered by id
func (m *MemoryRepository) InboundEvents() []*domain.InboundEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.InboundEvent, 0, len(m.inbound))
	for _, evt := range m.inbound {
		cp := *evt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// RuleRepository
// ============================================================================

func (m *MemoryRepository) CreateRule(_ context.Context, rule *domain.AutoReplyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule.ID = m.id()
	cp := *rule
	m.rules[cp.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdateRule(_ context.Context, rule *domain.AutoReplyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.rules[rule.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cp := *rule
	cp.UsageCount = stored.UsageCount
	cp.UsageDay = stored.UsageDay
	m.rules[rule.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetRule(_ context.Context, id int64) (*domain.AutoReplyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rule
	return &cp, nil
}

func (m *MemoryRepository) sortedRules(keep func(*domain.AutoReplyRule) bool) []*domain.AutoReplyRule {
	var out []*domain.AutoReplyRule
	for _, rule := range m.rules {
		if keep(rule) {
			cp := *rule
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryRepository) ListRules(_ context.Context) ([]*domain.AutoReplyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRules(func(*domain.AutoReplyRule) bool { return true }), nil
}

func (m *MemoryRepository) ListEnabledRules(_ context.Context, instanceID int64) ([]*domain.AutoReplyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRules(func(r *domain.AutoReplyRule) bool {
		return r.Enabled && (r.InstanceID == nil || *r.InstanceID == instanceID)
	}), nil
}

func (m *MemoryRepository) TryConsume(_ context.Context, ruleID int64, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[ruleID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if rule.UsageDay != day {
		rule.UsageDay = day
		rule.UsageCount = 0
	}
	if !rule.Unlimited() && rule.UsageCount >= rule.DailyCap {
		return false, nil
	}
	rule.UsageCount++
	return true, nil
}

func (m *MemoryRepository) ReleaseUse(_ context.Context, ruleID int64, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[ruleID]
	if !ok {
		return domain.ErrNotFound
	}
	if rule.UsageDay == day && rule.UsageCount > 0 {
		rule.UsageCount--
	}
	return nil
}

// ============================================================================
// CampaignRepository
// ============================================================================

func (m *MemoryRepository) CreateCampaign(_ context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.ID = m.id()
	cp := *c
	m.campaigns[cp.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetCampaign(_ context.Context, id int64) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) RecordOutcome(_ context.Context, id int64, sent bool, at time.Time) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if c.Resolved() < c.RecipientCount {
		if sent {
			c.Sent++
		} else {
			c.Failed++
		}
		if c.Resolved() >= c.RecipientCount {
			c.Status = domain.CampaignStatusCompleted
			done := at
			c.CompletedAt = &done
		}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) RecordDelivered(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Delivered < c.RecipientCount {
		c.Delivered++
	}
	return nil
}

// ============================================================================
// WebhookRepository, DedupRepository, RetentionRepository
// ============================================================================

func (m *MemoryRepository) SaveLog(_ context.Context, log *domain.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.ID = m.id()
	cp := *log
	cp.PayloadJSON = append(json.RawMessage(nil), log.PayloadJSON...)
	m.logs = append(m.logs, &cp)
	return nil
}

// WebhookLogs returns how many audit rows are stored
func (m *MemoryRepository) WebhookLogs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

// WebhookLogEntries returns copies of the audit rows in insertion order
func (m *MemoryRepository) WebhookLogEntries() []domain.WebhookLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.WebhookLog, 0, len(m.logs))
	for _, l := range m.logs {
		out = append(out, *l)
	}
	return out
}

func (m *MemoryRepository) IsDuplicate(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.dedup[eventID]
	return ok && m.Now().Before(exp), nil
}

func (m *MemoryRepository) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.dedup[eventID]; !ok || !m.Now().Before(exp) {
		m.dedup[eventID] = m.Now().Add(ttl)
	}
	return nil
}

func (m *MemoryRepository) PurgeTerminalMessages(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, msg := range m.messages {
		if int(n) >= limit {
			break
		}
		if msg.Status.IsTerminal() && msg.UpdatedAt.Before(olderThan) {
			delete(m.messages, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) PurgeWebhookLogs(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.logs[:0]
	var n int64
	for _, l := range m.logs {
		finished := l.Status == domain.WebhookStatusProcessed || l.Status == domain.WebhookStatusFailed
		if finished && int(n) < limit && l.CreatedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept
	return n, nil
}

func sameOwnerID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
