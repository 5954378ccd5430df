package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-engine/internal/adapters/repository"
	"chat-engine/internal/core/domain"
)

func newTestQueue(repo *repository.MemoryRepository, clock *fixedClock) *OutboundQueue {
	q := NewOutboundQueue(repo, repo, nil)
	q.now = clock.Now
	return q
}

func TestOutboundQueue_Enqueue_Defaults(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := newTestQueue(repo, newClock(testNow))
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)

	msg, err := q.Enqueue(context.Background(), EnqueueRequest{
		InstanceID: inst.ID,
		ChatID:     " 5511999@c.us ",
		Content:    "hello",
	})

	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "5511999@c.us", msg.ChatID)
	assert.Equal(t, domain.MessageTypeText, msg.Type)
	assert.Equal(t, domain.MessageStatusPending, msg.Status)
	assert.True(t, msg.ScheduledAt.Equal(testNow))
}

func TestOutboundQueue_Enqueue_BlockedInstance(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := newTestQueue(repo, newClock(testNow))
	inst := seedInstance(repo, "7103", domain.AuthStateBlocked, nil)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{InstanceID: inst.ID, ChatID: "chat", Content: "hello"})

	assert.ErrorIs(t, err, domain.ErrInvalidInstance)
	assert.Empty(t, repo.Messages())
}

func TestOutboundQueue_Enqueue_UnknownInstance(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := newTestQueue(repo, newClock(testNow))

	_, err := q.Enqueue(context.Background(), EnqueueRequest{InstanceID: 99, ChatID: "chat", Content: "hello"})

	assert.ErrorIs(t, err, domain.ErrInvalidInstance)
}

func TestOutboundQueue_Enqueue_Validation(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := newTestQueue(repo, newClock(testNow))
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{InstanceID: inst.ID, ChatID: "  ", Content: "hello"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = q.Enqueue(context.Background(), EnqueueRequest{InstanceID: inst.ID, ChatID: "chat"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestOutboundQueue_DequeueBatch_Order(t *testing.T) {
	repo := repository.NewMemoryRepository()
	clock := newClock(testNow)
	q := newTestQueue(repo, clock)
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	low, _ := q.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: "a", Content: "low", Priority: 5})
	early, _ := q.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: "b", Content: "early", Priority: 1, ScheduledAt: testNow.Add(-time.Minute)})
	late, _ := q.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: "c", Content: "late", Priority: 1})
	_, _ = q.Enqueue(ctx, EnqueueRequest{InstanceID: inst.ID, ChatID: "d", Content: "future", Priority: 0, ScheduledAt: testNow.Add(time.Hour)})

	msgs, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []int64{early.ID, late.ID, low.ID}, []int64{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	for _, m := range msgs {
		assert.Equal(t, domain.MessageStatusSending, m.Status)
	}

	again, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestOutboundQueue_DequeueBatch_ParallelNoDuplicates(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := newTestQueue(repo, newClock(testNow))
	ctx := context.Background()

	const total = 200
	var instances []*domain.Instance
	for i := 0; i < 4; i++ {
		instances = append(instances, seedInstance(repo, fmt.Sprintf("inst-%d", i), domain.AuthStateAuthorized, nil))
	}
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, EnqueueRequest{
			InstanceID: instances[i%len(instances)].ID,
			ChatID:     fmt.Sprintf("chat-%d", i),
			Content:    "bulk",
			Priority:   i % 3,
		})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := q.DequeueBatch(ctx, 7)
				if err != nil || len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equalf(t, 1, n, "message %d claimed %d times", id, n)
	}
}
