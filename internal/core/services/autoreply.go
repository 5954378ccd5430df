package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
	"chat-engine/internal/metrics"
)

// AutoReplyConfig tunes reply scheduling
type AutoReplyConfig struct {
	// Priority of enqueued replies; lower is sooner
	Priority int
	// Location defines the calendar day used by daily caps
	Location *time.Location
}

// RuleInput creates or updates a rule. Nil pointers keep defaults
// (enabled, unlimited cap) on create and stored values on update.
type RuleInput struct {
	InstanceID    *int64  `json:"instance_id,omitempty"`
	Trigger       string  `json:"trigger"`
	MatchMode     string  `json:"match_mode"`
	CaseSensitive bool    `json:"case_sensitive"`
	ReplyTemplate string  `json:"reply_template"`
	Priority      int     `json:"priority"`
	Enabled       *bool   `json:"enabled,omitempty"`
	DailyCap      *int    `json:"daily_cap,omitempty"`
	DelaySeconds  float64 `json:"delay_seconds"`
	Category      string  `json:"category"`
}

// ReplyAction is the decision taken for one inbound message
type ReplyAction struct {
	Rule        *domain.AutoReplyRule
	ChatID      string
	Content     string
	ScheduledAt time.Time
	Day         string // usage day the rule was charged to
}

// AutoReplyEngine evaluates inbound text against the rule set
type AutoReplyEngine struct {
	rules   ports.RuleRepository
	queue   *OutboundQueue
	sw      *ReplySwitch
	metrics *metrics.Metrics
	cfg     AutoReplyConfig

	now func() time.Time
}

// NewAutoReplyEngine creates an engine. sw may be nil.
func NewAutoReplyEngine(rules ports.RuleRepository, queue *OutboundQueue, sw *ReplySwitch, m *metrics.Metrics, cfg AutoReplyConfig) *AutoReplyEngine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &AutoReplyEngine{
		rules:   rules,
		queue:   queue,
		sw:      sw,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// HandleInbound evaluates the event and enqueues the reply, if any
func (e *AutoReplyEngine) HandleInbound(ctx context.Context, inst *domain.Instance, evt *domain.InboundEvent) {
	action, err := e.Evaluate(ctx, inst, evt)
	if err != nil {
		e.metrics.AutoReply("error")
		slog.Error("Auto-reply evaluation failed",
			"error", err,
			"event_id", evt.ID,
		)
		return
	}
	if action == nil {
		return
	}

	msg, err := e.queue.Enqueue(ctx, EnqueueRequest{
		InstanceID:  inst.ID,
		ChatID:      action.ChatID,
		Type:        domain.MessageTypeText,
		Content:     action.Content,
		Priority:    e.cfg.Priority,
		ScheduledAt: action.ScheduledAt,
	})
	if err != nil {
		e.metrics.AutoReply("error")
		slog.Error("Failed to enqueue auto-reply",
			"error", err,
			"rule_id", action.Rule.ID,
			"event_id", evt.ID,
		)
		// Nothing was sent, give the use back
		if err := e.rules.ReleaseUse(ctx, action.Rule.ID, action.Day); err != nil {
			slog.Error("Failed to release auto-reply usage", "error", err, "rule_id", action.Rule.ID)
		}
		return
	}

	e.metrics.AutoReply("fired")
	slog.Info("Auto-reply queued",
		"rule_id", action.Rule.ID,
		"message_id", msg.ID,
		"chat_id", action.ChatID,
		"scheduled_at", action.ScheduledAt,
	)
}

// Evaluate picks the first enabled rule, in priority order, that matches the
// text and still has usage left today. It consumes one use of that rule.
// A nil action means no reply.
func (e *AutoReplyEngine) Evaluate(ctx context.Context, inst *domain.Instance, evt *domain.InboundEvent) (*ReplyAction, error) {
	if e.sw.IsPaused() {
		e.metrics.AutoReply("paused")
		return nil, nil
	}
	if inst.IsBlocked() {
		e.metrics.AutoReply("blocked")
		return nil, nil
	}

	rules, err := e.rules.ListEnabledRules(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}

	now := e.now()
	day := e.day(now)

	for _, rule := range rules {
		if !Matches(rule, evt.Text) {
			continue
		}
		if rule.DailyCap == 0 {
			continue
		}

		ok, err := e.rules.TryConsume(ctx, rule.ID, day)
		if err != nil {
			return nil, fmt.Errorf("consume rule %d: %w", rule.ID, err)
		}
		if !ok {
			e.metrics.AutoReply("capped")
			slog.Debug("Rule matched but daily cap reached",
				"rule_id", rule.ID,
				"day", day,
			)
			continue
		}

		return &ReplyAction{
			Rule:        rule,
			ChatID:      evt.SenderID,
			Content:     e.Render(rule.ReplyTemplate, inst, evt, now),
			ScheduledAt: now.Add(rule.Delay),
			Day:         day,
		}, nil
	}

	e.metrics.AutoReply("no_match")
	return nil, nil
}

// Matches tests text against the rule trigger
func Matches(rule *domain.AutoReplyRule, text string) bool {
	trigger := rule.Trigger
	if trigger == "" {
		return false
	}
	if !rule.CaseSensitive {
		trigger = strings.ToLower(trigger)
		text = strings.ToLower(text)
	}

	switch rule.MatchMode {
	case domain.MatchExact:
		return strings.TrimSpace(text) == strings.TrimSpace(trigger)
	case domain.MatchContains:
		return strings.Contains(text, trigger)
	default:
		return false
	}
}

// Render resolves {sender}, {text}, {date}, {time} and {instance}
func (e *AutoReplyEngine) Render(tmpl string, inst *domain.Instance, evt *domain.InboundEvent, at time.Time) string {
	local := at.In(e.cfg.Location)
	r := strings.NewReplacer(
		"{sender}", evt.SenderID,
		"{text}", evt.Text,
		"{date}", local.Format("2006-01-02"),
		"{time}", local.Format("15:04"),
		"{instance}", inst.Identifier,
	)
	return r.Replace(tmpl)
}

func (e *AutoReplyEngine) day(t time.Time) string {
	return t.In(e.cfg.Location).Format("2006-01-02")
}

// CreateRule validates and stores a new rule
func (e *AutoReplyEngine) CreateRule(ctx context.Context, in RuleInput) (*domain.AutoReplyRule, error) {
	rule := &domain.AutoReplyRule{
		Enabled:  true,
		DailyCap: -1,
	}
	if err := applyRuleInput(rule, in); err != nil {
		return nil, err
	}
	now := e.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := e.rules.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	slog.Info("Auto-reply rule created",
		"rule_id", rule.ID,
		"trigger", rule.Trigger,
		"match_mode", rule.MatchMode,
	)
	return rule, nil
}

// UpdateRule edits an existing rule; usage counters are kept
func (e *AutoReplyEngine) UpdateRule(ctx context.Context, id int64, in RuleInput) (*domain.AutoReplyRule, error) {
	rule, err := e.rules.GetRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get rule %d: %w", id, err)
	}
	if err := applyRuleInput(rule, in); err != nil {
		return nil, err
	}
	rule.UpdatedAt = e.now()

	if err := e.rules.UpdateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("update rule %d: %w", id, err)
	}
	return rule, nil
}

// GetRule returns one rule
func (e *AutoReplyEngine) GetRule(ctx context.Context, id int64) (*domain.AutoReplyRule, error) {
	rule, err := e.rules.GetRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get rule %d: %w", id, err)
	}
	return rule, nil
}

// ListRules returns every rule
func (e *AutoReplyEngine) ListRules(ctx context.Context) ([]*domain.AutoReplyRule, error) {
	return e.rules.ListRules(ctx)
}

// SyncRules upserts seed rules keyed by (instance, trigger, match mode).
// Rules missing from seeds are left alone.
func (e *AutoReplyEngine) SyncRules(ctx context.Context, seeds []RuleInput) (created, updated int, err error) {
	existing, err := e.rules.ListRules(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list rules: %w", err)
	}
	byKey := make(map[string]*domain.AutoReplyRule, len(existing))
	for _, r := range existing {
		byKey[ruleKey(r.InstanceID, r.Trigger, string(r.MatchMode))] = r
	}

	for i, seed := range seeds {
		mode := seed.MatchMode
		if mode == "" {
			mode = string(domain.MatchContains)
		}
		if r, ok := byKey[ruleKey(seed.InstanceID, seed.Trigger, mode)]; ok {
			if _, err := e.UpdateRule(ctx, r.ID, seed); err != nil {
				return created, updated, fmt.Errorf("seed rule %d: %w", i, err)
			}
			updated++
			continue
		}
		if _, err := e.CreateRule(ctx, seed); err != nil {
			return created, updated, fmt.Errorf("seed rule %d: %w", i, err)
		}
		created++
	}

	slog.Info("Auto-reply rules synced", "created", created, "updated", updated)
	return created, updated, nil
}

func ruleKey(instanceID *int64, trigger, mode string) string {
	id := "*"
	if instanceID != nil {
		id = fmt.Sprint(*instanceID)
	}
	return id + "|" + mode + "|" + trigger
}

func applyRuleInput(rule *domain.AutoReplyRule, in RuleInput) error {
	in.Trigger = strings.TrimSpace(in.Trigger)
	if in.Trigger == "" {
		return domain.NewValidationError("trigger", "is required")
	}
	if strings.TrimSpace(in.ReplyTemplate) == "" {
		return domain.NewValidationError("reply_template", "is required")
	}
	if in.DelaySeconds < 0 {
		return domain.NewValidationError("delay_seconds", "must not be negative")
	}

	mode := domain.MatchMode(strings.ToLower(in.MatchMode))
	switch mode {
	case "":
		mode = domain.MatchContains
	case domain.MatchExact, domain.MatchContains:
	default:
		return domain.NewValidationError("match_mode", "must be exact or contains")
	}

	rule.InstanceID = in.InstanceID
	rule.Trigger = in.Trigger
	rule.MatchMode = mode
	rule.CaseSensitive = in.CaseSensitive
	rule.ReplyTemplate = in.ReplyTemplate
	rule.Priority = in.Priority
	rule.Delay = time.Duration(in.DelaySeconds * float64(time.Second))
	rule.Category = in.Category
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	if in.DailyCap != nil {
		rule.DailyCap = *in.DailyCap
	}
	return nil
}
