package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-engine/internal/adapters/repository"
	"chat-engine/internal/core/domain"
)

func newTestDispatcher() (*CampaignDispatcher, *repository.MemoryRepository) {
	repo := repository.NewMemoryRepository()
	clock := newClock(testNow)
	d := NewCampaignDispatcher(repo, newTestQueue(repo, clock))
	d.now = clock.Now
	return d, repo
}

func TestCampaign_DispatchEnqueuesEveryRecipient(t *testing.T) {
	d, repo := newTestDispatcher()
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)

	c, err := d.Dispatch(context.Background(), DispatchRequest{
		InstanceID: inst.ID,
		Content:    "Sale today",
		Recipients: []string{"a@c.us", " b@c.us ", "c@c.us"},
		Priority:   5,
	})

	require.NoError(t, err)
	assert.Equal(t, 3, c.RecipientCount)
	assert.Equal(t, domain.CampaignStatusSending, c.Status)
	require.NotNil(t, c.StartedAt)

	msgs := repo.Messages()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		require.NotNil(t, m.CampaignID)
		assert.Equal(t, c.ID, *m.CampaignID)
		assert.Equal(t, 5, m.Priority)
	}
	assert.Equal(t, "b@c.us", msgs[1].ChatID)
}

func TestCampaign_DispatchBlockedInstance(t *testing.T) {
	d, repo := newTestDispatcher()
	inst := seedInstance(repo, "7103", domain.AuthStateBlocked, nil)

	_, err := d.Dispatch(context.Background(), DispatchRequest{InstanceID: inst.ID, Content: "x", Recipients: []string{"a"}})

	assert.ErrorIs(t, err, domain.ErrInvalidInstance)
	assert.Empty(t, repo.Messages())
}

func TestCampaign_DispatchValidation(t *testing.T) {
	d, repo := newTestDispatcher()
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)

	_, err := d.Dispatch(context.Background(), DispatchRequest{InstanceID: inst.ID, Content: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = d.Dispatch(context.Background(), DispatchRequest{InstanceID: inst.ID, Content: "x", Recipients: []string{"a", "  "}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = d.Dispatch(context.Background(), DispatchRequest{InstanceID: inst.ID, Recipients: []string{"a"}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCampaign_RecordOutcomeCompletes(t *testing.T) {
	d, repo := newTestDispatcher()
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	c, err := d.Dispatch(ctx, DispatchRequest{InstanceID: inst.ID, Content: "x", Recipients: []string{"a", "b"}})
	require.NoError(t, err)

	require.NoError(t, d.RecordOutcome(ctx, c.ID, true))
	mid, _ := d.Get(ctx, c.ID)
	assert.Equal(t, domain.CampaignStatusSending, mid.Status)

	require.NoError(t, d.RecordOutcome(ctx, c.ID, false))
	// Late outcome past the recipient count is ignored
	require.NoError(t, d.RecordOutcome(ctx, c.ID, true))

	done, err := d.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Sent)
	assert.Equal(t, 1, done.Failed)
	assert.Equal(t, domain.CampaignStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.CompletedAt.Equal(testNow))
}

func TestCampaign_RecordDeliveredCapped(t *testing.T) {
	d, repo := newTestDispatcher()
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	c, err := d.Dispatch(ctx, DispatchRequest{InstanceID: inst.ID, Content: "x", Recipients: []string{"a"}})
	require.NoError(t, err)

	require.NoError(t, d.RecordDelivered(ctx, c.ID))
	require.NoError(t, d.RecordDelivered(ctx, c.ID))

	got, _ := d.Get(ctx, c.ID)
	assert.Equal(t, 1, got.Delivered)
}

func TestCampaign_GetUnknown(t *testing.T) {
	d, _ := newTestDispatcher()

	_, err := d.Get(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
