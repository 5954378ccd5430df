// Package services contains core business logic
// Following Hexagonal Architecture: Services orchestrate domain logic using ports
package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
)

// RegisterInstanceInput carries the fields of an instance registration
type RegisterInstanceInput struct {
	Identifier string `json:"identifier"`
	Credential string `json:"credential"`
	HostURL    string `json:"host_url"`
	OwnerID    *int64 `json:"owner_id,omitempty"`
}

// Registry owns the local representation of each messaging account
type Registry struct {
	repo ports.InstanceRepository
	now  func() time.Time
}

// NewRegistry creates a registry backed by repo
func NewRegistry(repo ports.InstanceRepository) *Registry {
	return &Registry{repo: repo, now: time.Now}
}

// Register creates or upserts an instance. Re-registering an identifier with
// the same credential is idempotent; a different credential is rejected with
// domain.ErrDuplicateIdentifier.
func (r *Registry) Register(ctx context.Context, in RegisterInstanceInput) (*domain.Instance, error) {
	in.Identifier = strings.TrimSpace(in.Identifier)
	in.HostURL = strings.TrimRight(strings.TrimSpace(in.HostURL), "/")

	if in.Identifier == "" {
		return nil, domain.NewValidationError("identifier", "is required")
	}
	if in.Credential == "" {
		return nil, domain.NewValidationError("credential", "is required")
	}
	if err := validateHost(in.HostURL); err != nil {
		return nil, err
	}

	candidate := &domain.Instance{
		Identifier: in.Identifier,
		OwnerID:    in.OwnerID,
		Credential: in.Credential,
		HostURL:    in.HostURL,
		AuthState:  domain.AuthStateUnknown,
		Status:     domain.StatusFor(domain.AuthStateUnknown),
	}

	stored, created, err := r.repo.Upsert(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("upsert instance: %w", err)
	}
	if created {
		slog.Info("Instance registered",
			"instance_id", stored.ID,
			"identifier", stored.Identifier,
		)
		return stored, nil
	}

	if stored.Credential != in.Credential {
		slog.Warn("Instance registration rejected, credential mismatch",
			"instance_id", stored.ID,
			"identifier", stored.Identifier,
		)
		return nil, domain.ErrDuplicateIdentifier
	}

	ownerID := stored.OwnerID
	if in.OwnerID != nil {
		ownerID = in.OwnerID
	}
	if stored.HostURL == in.HostURL && sameOwner(stored.OwnerID, ownerID) {
		return stored, nil
	}

	if err := r.repo.UpdateConfig(ctx, stored.ID, stored.Credential, in.HostURL, ownerID); err != nil {
		return nil, fmt.Errorf("update instance config: %w", err)
	}
	if !sameOwner(stored.OwnerID, ownerID) {
		stored.IsPrimary = false
	}
	stored.HostURL = in.HostURL
	stored.OwnerID = ownerID
	return stored, nil
}

// Reconfigure replaces the credential and host of an existing instance
func (r *Registry) Reconfigure(ctx context.Context, instanceID int64, credential, hostURL string) (*domain.Instance, error) {
	hostURL = strings.TrimRight(strings.TrimSpace(hostURL), "/")
	if credential == "" {
		return nil, domain.NewValidationError("credential", "is required")
	}
	if err := validateHost(hostURL); err != nil {
		return nil, err
	}

	inst, err := r.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := r.repo.UpdateConfig(ctx, instanceID, credential, hostURL, inst.OwnerID); err != nil {
		return nil, fmt.Errorf("update instance config: %w", err)
	}
	inst.Credential = credential
	inst.HostURL = hostURL
	return inst, nil
}

// SetPrimary makes instanceID the only primary instance of ownerID
func (r *Registry) SetPrimary(ctx context.Context, ownerID, instanceID int64) error {
	if err := r.repo.SetPrimary(ctx, ownerID, instanceID); err != nil {
		return fmt.Errorf("set primary instance: %w", err)
	}
	slog.Info("Primary instance changed",
		"owner_id", ownerID,
		"instance_id", instanceID,
	)
	return nil
}

// Get returns the current record or domain.ErrNotFound
func (r *Registry) Get(ctx context.Context, instanceID int64) (*domain.Instance, error) {
	inst, err := r.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("get instance %d: %w", instanceID, err)
	}
	return inst, nil
}

// GetByIdentifier resolves a provider identifier
func (r *Registry) GetByIdentifier(ctx context.Context, identifier string) (*domain.Instance, error) {
	inst, err := r.repo.GetInstanceByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("get instance %q: %w", identifier, err)
	}
	return inst, nil
}

// List returns all instances
func (r *Registry) List(ctx context.Context) ([]*domain.Instance, error) {
	return r.repo.ListInstances(ctx)
}

// MigrateIdentifier changes the provider identifier of an instance.
// Queued and inbound rows reference the surrogate id and stay attached.
func (r *Registry) MigrateIdentifier(ctx context.Context, instanceID int64, identifier string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return domain.NewValidationError("identifier", "is required")
	}
	if err := r.repo.UpdateIdentifier(ctx, instanceID, identifier); err != nil {
		return fmt.Errorf("migrate instance identifier: %w", err)
	}
	slog.Info("Instance identifier migrated",
		"instance_id", instanceID,
		"identifier", identifier,
	)
	return nil
}

// MarkBlocked flips an instance to blocked after an instance-level rejection
func (r *Registry) MarkBlocked(ctx context.Context, instanceID int64, reason string) error {
	if err := r.repo.UpdateAuthState(ctx, instanceID, domain.AuthStateBlocked, r.now(), nil); err != nil {
		return fmt.Errorf("mark instance blocked: %w", err)
	}
	slog.Warn("Instance blocked by provider",
		"instance_id", instanceID,
		"reason", reason,
	)
	return nil
}

func validateHost(host string) error {
	if host == "" {
		return domain.NewValidationError("host_url", "is required")
	}
	u, err := url.Parse(host)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.NewValidationError("host_url", "must be an absolute http(s) URL")
	}
	return nil
}

func sameOwner(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
