package s3archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Talentis/app/models"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveWebhook(t *testing.T) {
	cfg := &Config{BucketName: "audit", Prefix: "webhooks", Enabled: true}
	put := &fakePutter{}
	a := NewWithClient(put, cfg)

	received := time.Date(2026, time.March, 9, 23, 30, 0, 0, time.UTC)
	err := a.ArchiveWebhook(context.Background(), models.BillingWebhookEvent{
		ID:              42,
		Provider:        "paytech",
		ProviderEventID: "hash:abc",
		EventType:       "sale_complete",
		Reference:       "ref-1",
		PayloadJSON:     "type_event=sale_complete&item_price=100",
		Outcome:         models.WebhookOutcomeMismatch,
		ProcessingError: "amount mismatch",
		CreatedAt:       received,
	})
	require.NoError(t, err)

	assert.Equal(t, "audit", aws.ToString(put.input.Bucket))
	assert.Equal(t, "webhooks/paytech/2026/03/09/42.json", aws.ToString(put.input.Key))
	assert.Equal(t, models.WebhookOutcomeMismatch, put.input.Metadata["outcome"])

	var doc map[string]any
	require.NoError(t, json.Unmarshal(put.body, &doc))
	assert.Equal(t, "ref-1", doc["reference"])
	assert.Equal(t, "type_event=sale_complete&item_price=100", doc["payload"])
}

func TestArchiveKeepsJSONPayload(t *testing.T) {
	put := &fakePutter{}
	a := NewWithClient(put, &Config{BucketName: "audit", Prefix: "webhooks"})

	require.NoError(t, a.ArchiveWebhook(context.Background(), models.BillingWebhookEvent{
		ID: 1, Provider: "wave", PayloadJSON: `{"id":"evt_1"}`, Outcome: models.WebhookOutcomeRejected,
	}))
	var doc struct {
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(put.body, &doc))
	assert.Equal(t, "evt_1", doc.Payload["id"])
}

func TestArchiveUploadError(t *testing.T) {
	a := NewWithClient(&fakePutter{err: errors.New("denied")}, &Config{BucketName: "audit", Prefix: "webhooks"})
	err := a.ArchiveWebhook(context.Background(), models.BillingWebhookEvent{ID: 1, Provider: "wave", PayloadJSON: "{}"})
	assert.ErrorContains(t, err, "denied")
}

func TestLoadConfigRequiresCredentials(t *testing.T) {
	t.Setenv("S3_ARCHIVE_ENABLED", "true")
	t.Setenv("S3_ACCESS_KEY_ID", "")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("S3_ARCHIVE_ENABLED", "false")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
}
