package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-engine/internal/adapters/repository"
	"chat-engine/internal/core/domain"
)

func newTestReconciler(repo *repository.MemoryRepository, provider *MockProvider, blockedEvery int) *Reconciler {
	r := NewReconciler(repo, provider, nil, ReconcilerConfig{
		Interval:     time.Minute,
		BlockedEvery: blockedEvery,
		Concurrency:  2,
	})
	r.now = func() time.Time { return testNow }
	r.jitter = func(time.Duration) time.Duration { return 0 }
	return r
}

func TestMapProviderState(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.AuthState
	}{
		{"authorized", domain.AuthStateAuthorized},
		{" Authorized ", domain.AuthStateAuthorized},
		{"notAuthorized", domain.AuthStateUnauthorized},
		{"starting", domain.AuthStateUnauthorized},
		{"blocked", domain.AuthStateBlocked},
		{"sleepMode", domain.AuthStateUnknown},
		{"", domain.AuthStateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, MapProviderState(tt.raw))
		})
	}
}

func TestReconciler_UpdatesChangedState(t *testing.T) {
	repo := repository.NewMemoryRepository()
	inst := seedInstance(repo, "7103", domain.AuthStateUnknown, nil)
	provider := new(MockProvider)
	provider.On("GetState", mock.Anything, inst.ID).Return("authorized", nil)

	newTestReconciler(repo, provider, 10).ReconcileOnce(context.Background())

	stored, err := repo.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthStateAuthorized, stored.AuthState)
	assert.Equal(t, domain.InstanceStatusOnline, stored.Status)
	require.NotNil(t, stored.LastAuthorizedAt)
	assert.True(t, stored.LastAuthorizedAt.Equal(testNow))
	provider.AssertExpectations(t)
}

func TestReconciler_StillAuthorizedKeepsAuthorizedAt(t *testing.T) {
	repo := repository.NewMemoryRepository()
	inst := seedInstance(repo, "7103", domain.AuthStateUnknown, nil)
	provider := new(MockProvider)
	provider.On("GetState", mock.Anything, inst.ID).Return("authorized", nil)

	r := newTestReconciler(repo, provider, 10)
	r.ReconcileOnce(context.Background())

	later := testNow.Add(time.Hour)
	r.now = func() time.Time { return later }
	r.ReconcileOnce(context.Background())

	stored, err := repo.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastAuthorizedAt)
	assert.True(t, stored.LastAuthorizedAt.Equal(testNow), "set when authorization was gained")
	require.NotNil(t, stored.LastReconciledAt)
	assert.True(t, stored.LastReconciledAt.Equal(later))
}

func TestReconciler_ProviderErrorLeavesState(t *testing.T) {
	repo := repository.NewMemoryRepository()
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	provider := new(MockProvider)
	provider.On("GetState", mock.Anything, inst.ID).Return("", errors.New("connection refused"))

	newTestReconciler(repo, provider, 10).ReconcileOnce(context.Background())

	stored, err := repo.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthStateAuthorized, stored.AuthState)
}

func TestReconciler_ForbiddenStateMarksBlocked(t *testing.T) {
	repo := repository.NewMemoryRepository()
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	provider := new(MockProvider)
	provider.On("GetState", mock.Anything, inst.ID).
		Return("", fmt.Errorf("get state: %w", domain.ErrInstanceBlocked))

	newTestReconciler(repo, provider, 10).ReconcileOnce(context.Background())

	stored, err := repo.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthStateBlocked, stored.AuthState)
	assert.Equal(t, domain.InstanceStatusBlocked, stored.Status)
}

func TestReconciler_BlockedStateRejectsEnqueue(t *testing.T) {
	repo := repository.NewMemoryRepository()
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	provider := new(MockProvider)
	provider.On("GetState", mock.Anything, inst.ID).Return("blocked", nil)
	queue := NewOutboundQueue(repo, repo, nil)

	_, err := queue.Enqueue(context.Background(), EnqueueRequest{InstanceID: inst.ID, ChatID: "628111", Content: "before"})
	require.NoError(t, err)

	newTestReconciler(repo, provider, 10).ReconcileOnce(context.Background())

	_, err = queue.Enqueue(context.Background(), EnqueueRequest{InstanceID: inst.ID, ChatID: "628111", Content: "after"})
	assert.ErrorIs(t, err, domain.ErrInvalidInstance)
	provider.AssertExpectations(t)
}

func TestReconciler_BlockedPolledPeriodically(t *testing.T) {
	repo := repository.NewMemoryRepository()
	blocked := seedInstance(repo, "blocked", domain.AuthStateBlocked, nil)
	active := seedInstance(repo, "active", domain.AuthStateAuthorized, nil)

	provider := new(MockProvider)
	provider.On("GetState", mock.Anything, active.ID).Return("authorized", nil)
	provider.On("GetState", mock.Anything, blocked.ID).Return("blocked", nil)

	r := newTestReconciler(repo, provider, 3)
	for i := 0; i < 4; i++ {
		r.ReconcileOnce(context.Background())
	}

	// Cycles 1 and 4 include blocked instances
	provider.AssertNumberOfCalls(t, "GetState", 4+2)
}

func TestReconciler_BlockedInstanceRecovers(t *testing.T) {
	repo := repository.NewMemoryRepository()
	inst := seedInstance(repo, "7103", domain.AuthStateBlocked, nil)
	provider := new(MockProvider)
	provider.On("GetState", mock.Anything, inst.ID).Return("authorized", nil)

	newTestReconciler(repo, provider, 10).ReconcileOnce(context.Background())

	stored, err := repo.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsBlocked())
}
