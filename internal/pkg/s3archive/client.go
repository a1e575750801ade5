// Package s3archive keeps a copy of rejected and mismatched provider
// notifications in S3-compatible storage for manual audit.
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Talentis/app/models"
)

// ObjectPutter is the subset of *s3.Client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver implements billing.Archiver.
type Archiver struct {
	s3     ObjectPutter
	config *Config
	now    func() time.Time
}

// NewArchiver creates an S3 client for cfg.
func NewArchiver(ctx context.Context, cfg *Config) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("webhook archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	log.Infof("[S3Archive] Archiving rejected webhooks to bucket: %s", cfg.BucketName)
	return NewWithClient(client, cfg), nil
}

func NewWithClient(client ObjectPutter, cfg *Config) *Archiver {
	return &Archiver{s3: client, config: cfg, now: time.Now}
}

type archivedEvent struct {
	ID              uint            `json:"id"`
	Provider        string          `json:"provider"`
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Reference       string          `json:"reference"`
	SignatureValid  bool            `json:"signature_valid"`
	Outcome         string          `json:"outcome"`
	ProcessingError string          `json:"processing_error,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	Payload         json.RawMessage `json:"payload"`
}

// ArchiveWebhook uploads the delivery with its stored payload. Payloads that
// are not JSON (form posts) are kept as a JSON string.
func (a *Archiver) ArchiveWebhook(ctx context.Context, event models.BillingWebhookEvent) error {
	payload := json.RawMessage(event.PayloadJSON)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(event.PayloadJSON)
		payload = quoted
	}
	received := event.CreatedAt
	if received.IsZero() {
		received = a.now()
	}

	body, err := json.Marshal(archivedEvent{
		ID:              event.ID,
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.EventType,
		Reference:       event.Reference,
		SignatureValid:  event.SignatureValid,
		Outcome:         event.Outcome,
		ProcessingError: event.ProcessingError,
		ReceivedAt:      received.UTC(),
		Payload:         payload,
	})
	if err != nil {
		return err
	}

	key := a.config.ObjectKey(event.Provider, event.ID, received)
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"outcome":       event.Outcome,
			"event-id":      strconv.FormatUint(uint64(event.ID), 10),
			"upload-source": "talentis-billing",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Infof("[S3Archive] Archived %s webhook %d to s3://%s/%s", event.Outcome, event.ID, a.config.BucketName, key)
	return nil
}
