package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-engine/internal/core/domain"
)

func TestMemoryRepository_UpsertReturnsExisting(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first, created, err := repo.Upsert(ctx, &domain.Instance{Identifier: "7103", Credential: "a"})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.Upsert(ctx, &domain.Instance{Identifier: "7103", Credential: "b"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "a", second.Credential)
}

func TestMemoryRepository_InsertMessageRequiresInstance(t *testing.T) {
	repo := NewMemoryRepository()

	err := repo.InsertMessage(context.Background(), &domain.QueuedMessage{InstanceID: 5})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepository_RecoverStale(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	repo.Now = func() time.Time { return fixedNow }

	inst, _, _ := repo.Upsert(ctx, &domain.Instance{Identifier: "7103"})
	msg := &domain.QueuedMessage{InstanceID: inst.ID, Status: domain.MessageStatusPending, ScheduledAt: fixedNow}
	require.NoError(t, repo.InsertMessage(ctx, msg))

	claimed, err := repo.ClaimBatch(ctx, fixedNow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := repo.RecoverStale(ctx, fixedNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.RecoverStale(ctx, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, _ := repo.GetMessage(ctx, msg.ID)
	assert.Equal(t, domain.MessageStatusPending, stored.Status)
	assert.Empty(t, stored.LeaseID)
}

func TestMemoryRepository_ReclaimInvalidatesOldLease(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	repo.Now = func() time.Time { return fixedNow }

	inst, _, _ := repo.Upsert(ctx, &domain.Instance{Identifier: "7103"})
	msg := &domain.QueuedMessage{InstanceID: inst.ID, Status: domain.MessageStatusPending, ScheduledAt: fixedNow}
	require.NoError(t, repo.InsertMessage(ctx, msg))

	first, err := repo.ClaimBatch(ctx, fixedNow, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Another worker releases the row as stale and claims it again
	_, err = repo.RecoverStale(ctx, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	second, err := repo.ClaimBatch(ctx, fixedNow, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.NotEqual(t, first[0].LeaseID, second[0].LeaseID)

	assert.ErrorIs(t, repo.Heartbeat(ctx, msg.ID, first[0].LeaseID), domain.ErrLeaseLost)
	assert.ErrorIs(t, repo.MarkSent(ctx, msg.ID, first[0].LeaseID, "PM-1"), domain.ErrLeaseLost)
	assert.ErrorIs(t, repo.MarkFailed(ctx, msg.ID, first[0].LeaseID, 1, "boom"), domain.ErrLeaseLost)

	require.NoError(t, repo.Heartbeat(ctx, msg.ID, second[0].LeaseID))
	require.NoError(t, repo.MarkSent(ctx, msg.ID, second[0].LeaseID, "PM-1"))
	stored, _ := repo.GetMessage(ctx, msg.ID)
	assert.Equal(t, domain.MessageStatusSent, stored.Status)
}

func TestMemoryRepository_DedupExpiry(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := fixedNow
	repo.Now = func() time.Time { return now }

	require.NoError(t, repo.MarkProcessed(ctx, "k", time.Hour))
	dup, _ := repo.IsDuplicate(ctx, "k")
	assert.True(t, dup)

	now = now.Add(2 * time.Hour)
	dup, _ = repo.IsDuplicate(ctx, "k")
	assert.False(t, dup)

	require.NoError(t, repo.MarkProcessed(ctx, "k", time.Hour))
	dup, _ = repo.IsDuplicate(ctx, "k")
	assert.True(t, dup)
}

func TestMemoryRepository_UpdateRuleKeepsUsage(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	rule := &domain.AutoReplyRule{Trigger: "hi", MatchMode: domain.MatchContains, DailyCap: 5, Enabled: true}
	require.NoError(t, repo.CreateRule(ctx, rule))
	ok, err := repo.TryConsume(ctx, rule.ID, "2024-03-10")
	require.NoError(t, err)
	assert.True(t, ok)

	rule.ReplyTemplate = "changed"
	rule.UsageCount = 0
	require.NoError(t, repo.UpdateRule(ctx, rule))

	stored, _ := repo.GetRule(ctx, rule.ID)
	assert.Equal(t, 1, stored.UsageCount)
	assert.Equal(t, "changed", stored.ReplyTemplate)
}

func TestMigrate_AppliesEverySchemaStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range schema {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
