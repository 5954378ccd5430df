package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-engine/internal/adapters/repository"
	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func createTestIngestor(dedup ports.DedupRepository) (*Ingestor, *repository.MemoryRepository, *recordingHandler) {
	repo := repository.NewMemoryRepository()
	if dedup == nil {
		dedup = repo
	}
	handler := &recordingHandler{}
	campaigns := NewCampaignDispatcher(repo, NewOutboundQueue(repo, repo, nil))
	in := NewIngestor(repo, repo, repo, repo, dedup, handler, campaigns, nil)
	in.now = func() time.Time { return testNow }
	return in, repo, handler
}

func userMessagePayload(instanceID, messageID, from, text string) []byte {
	payload := map[string]interface{}{
		"instanceId": instanceID,
		"event":      "message",
		"data": map[string]interface{}{
			"messageId": messageID,
			"from":      from,
			"type":      "text",
			"text":      text,
			"timestamp": 1710063000,
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

// ============================================================================
// Tests
// ============================================================================

func TestIngest_StoresUserMessage(t *testing.T) {
	in, repo, handler := createTestIngestor(nil)
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)

	res, err := in.Ingest(context.Background(), "default", userMessagePayload("7103", "MSG-1", "5511@c.us", "hello"))
	in.Wait()

	require.NoError(t, err)
	assert.Equal(t, IngestStored, res.Outcome)
	assert.NotZero(t, res.EventID)

	events := repo.InboundEvents()
	require.Len(t, events, 1)
	assert.Equal(t, inst.ID, events[0].InstanceID)
	assert.Equal(t, "5511@c.us", events[0].SenderID)
	assert.Equal(t, "hello", events[0].Text)
	assert.Equal(t, int64(1710063000), events[0].ReceivedAt.Unix())

	assert.Equal(t, 1, handler.count())
	logs := repo.WebhookLogEntries()
	require.Len(t, logs, 1)
	assert.Equal(t, domain.WebhookStatusProcessed, logs[0].Status)
	assert.Nil(t, logs[0].ErrorLog)
}

func TestIngest_DuplicateDelivery(t *testing.T) {
	in, repo, handler := createTestIngestor(nil)
	seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	payload := userMessagePayload("7103", "MSG-1", "5511@c.us", "hello")

	first, err := in.Ingest(context.Background(), "default", payload)
	require.NoError(t, err)
	second, err := in.Ingest(context.Background(), "default", payload)
	require.NoError(t, err)
	in.Wait()

	assert.Equal(t, IngestStored, first.Outcome)
	assert.Equal(t, IngestDuplicate, second.Outcome)
	assert.Len(t, repo.InboundEvents(), 1)
	assert.Equal(t, 1, handler.count())
	assert.Equal(t, 2, repo.WebhookLogs(), "every delivery is audited")
}

func TestIngest_DedupCacheDownFallsBackToConstraint(t *testing.T) {
	dedup := new(MockDedupRepository)
	dedup.On("IsDuplicate", mock.Anything, mock.Anything).Return(false, errors.New("redis: connection refused"))
	dedup.On("MarkProcessed", mock.Anything, mock.Anything, dedupTTL).Return(errors.New("redis: connection refused"))

	in, repo, handler := createTestIngestor(dedup)
	seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	payload := userMessagePayload("7103", "MSG-1", "5511@c.us", "hello")

	first, err := in.Ingest(context.Background(), "default", payload)
	require.NoError(t, err)
	second, err := in.Ingest(context.Background(), "default", payload)
	require.NoError(t, err)
	in.Wait()

	assert.Equal(t, IngestStored, first.Outcome)
	assert.Equal(t, IngestDuplicate, second.Outcome)
	assert.Len(t, repo.InboundEvents(), 1)
	assert.Equal(t, 1, handler.count())
}

func TestIngest_CacheHitSkipsStorage(t *testing.T) {
	dedup := new(MockDedupRepository)
	dedup.On("IsDuplicate", mock.Anything, mock.Anything).Return(true, nil)

	in, repo, handler := createTestIngestor(dedup)
	seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)

	res, err := in.Ingest(context.Background(), "default", userMessagePayload("7103", "MSG-1", "5511@c.us", "hello"))
	in.Wait()

	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, res.Outcome)
	assert.Empty(t, repo.InboundEvents())
	assert.Zero(t, handler.count())
	dedup.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_IgnoresEcho(t *testing.T) {
	in, repo, handler := createTestIngestor(nil)
	seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	payload := []byte(`{"instanceId":"7103","event":"message","data":{"messageId":"M","from":"me","text":"hi","fromMe":true}}`)

	res, err := in.Ingest(context.Background(), "default", payload)
	in.Wait()

	require.NoError(t, err)
	assert.Equal(t, IngestIgnored, res.Outcome)
	assert.Empty(t, repo.InboundEvents())
	assert.Zero(t, handler.count())
}

func TestIngest_ValidationErrors(t *testing.T) {
	in, repo, _ := createTestIngestor(nil)
	seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)

	tests := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{not json`},
		{"missing instance", `{"event":"message","data":{"messageId":"M","from":"a"}}`},
		{"missing message id", `{"instanceId":"7103","data":{"from":"a","text":"x"}}`},
		{"missing sender", `{"instanceId":"7103","data":{"messageId":"M","text":"x"}}`},
		{"unknown instance", `{"instanceId":"9999","data":{"messageId":"M","from":"a","text":"x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.Ingest(context.Background(), "default", []byte(tt.payload))
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	in.Wait()
	assert.Empty(t, repo.InboundEvents())
	logs := repo.WebhookLogEntries()
	require.Len(t, logs, len(tests), "rejected payloads are still audited")
	for _, l := range logs {
		assert.Equal(t, domain.WebhookStatusFailed, l.Status)
		require.NotNil(t, l.ErrorLog)
		assert.NotEmpty(t, *l.ErrorLog)
	}
}

func TestIngest_DeliveryReceiptCountsCampaign(t *testing.T) {
	in, repo, _ := createTestIngestor(nil)
	inst := seedInstance(repo, "7103", domain.AuthStateAuthorized, nil)
	ctx := context.Background()

	campaign := &domain.Campaign{InstanceID: inst.ID, Content: "promo", RecipientCount: 1, Status: domain.CampaignStatusSending}
	require.NoError(t, repo.CreateCampaign(ctx, campaign))
	msg := &domain.QueuedMessage{InstanceID: inst.ID, CampaignID: &campaign.ID, ChatID: "c", Type: "text", Content: "promo", Status: domain.MessageStatusSending, LeaseID: "lease-1"}
	require.NoError(t, repo.InsertMessage(ctx, msg))
	require.NoError(t, repo.MarkSent(ctx, msg.ID, "lease-1", "PM-1"))

	receipt := []byte(`{"instanceId":"7103","event":"message.status","data":{"messageId":"PM-1","status":"delivered"}}`)
	res, err := in.Ingest(ctx, "default", receipt)
	require.NoError(t, err)
	assert.Equal(t, IngestReceipt, res.Outcome)

	// A second receipt for the same message is not counted again
	_, err = in.Ingest(ctx, "default", []byte(`{"instanceId":"7103","event":"message.status","data":{"messageId":"PM-1","status":"read"}}`))
	require.NoError(t, err)
	in.Wait()

	stored, _ := repo.GetMessage(ctx, msg.ID)
	assert.Equal(t, domain.MessageStatusDelivered, stored.Status)
	c, _ := repo.GetCampaign(ctx, campaign.ID)
	assert.Equal(t, 1, c.Delivered)
}
