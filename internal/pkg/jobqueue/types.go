package jobqueue

import (
	"encoding/json"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
)

// JobType defines the type of job
type JobType string

const (
	JobTypePurchaseActivated JobType = "purchase_activated"
	JobTypePurchaseClosed    JobType = "purchase_closed"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// PurchaseNoticePayload identifies the purchase an email is about.
type PurchaseNoticePayload struct {
	UserID       uint                `json:"user_id"`
	Reference    string              `json:"reference"`
	PurchaseKind models.PurchaseKind `json:"purchase_kind"`
	PurchaseID   uint                `json:"purchase_id"`
	Provider     string              `json:"provider"`
	Amount       int64               `json:"amount"`
	Currency     string              `json:"currency"`
	Status       models.IntentStatus `json:"status"`
}

func PurchaseNoticeFromIntent(intent models.PaymentIntent) PurchaseNoticePayload {
	return PurchaseNoticePayload{
		UserID:       intent.UserID,
		Reference:    intent.Reference,
		PurchaseKind: intent.PurchaseKind,
		PurchaseID:   intent.PurchaseID,
		Provider:     intent.Provider,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Status:       intent.Status,
	}
}

// ToMap converts the payload to a map for storage
func (p PurchaseNoticePayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"user_id":       p.UserID,
		"reference":     p.Reference,
		"purchase_kind": string(p.PurchaseKind),
		"purchase_id":   p.PurchaseID,
		"provider":      p.Provider,
		"amount":        p.Amount,
		"currency":      p.Currency,
		"status":        string(p.Status),
	}
}

// PurchaseNoticePayloadFromMap creates a payload from a map
func PurchaseNoticePayloadFromMap(data map[string]interface{}) (*PurchaseNoticePayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload PurchaseNoticePayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
