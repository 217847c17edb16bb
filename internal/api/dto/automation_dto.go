package dto

import (
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
)

// StartAutomationRequest is the body of POST /api/v1/automation/start
type StartAutomationRequest struct {
	TwitterUsername       string   `json:"twitterUsername" binding:"required"`
	TwitterPassword       string   `json:"twitterPassword" binding:"required"`
	GoogleSheetsID        string   `json:"googleSheetsId" binding:"required"`
	GoogleCredentialsJSON string   `json:"googleCredentialsJson" binding:"required"`
	Keywords              []string `json:"keywords"`
	MessageTemplates      []string `json:"messageTemplates"`
}

// Params returns the non-secret part of the request
func (r *StartAutomationRequest) Params() domain.AutomationParams {
	return domain.AutomationParams{
		TwitterUsername:  r.TwitterUsername,
		GoogleSheetsID:   r.GoogleSheetsID,
		Keywords:         r.Keywords,
		MessageTemplates: r.MessageTemplates,
	}
}

// Secrets returns the credential fields to encrypt
func (r *StartAutomationRequest) Secrets() domain.CredentialBundle {
	return domain.CredentialBundle{
		domain.CredentialTwitterPassword:       r.TwitterPassword,
		domain.CredentialGoogleCredentialsJSON: r.GoogleCredentialsJSON,
	}
}

type StartAutomationResponse struct {
	Message     string `json:"message"`
	JobIdentity string `json:"job_identity"`
	Duplicate   bool   `json:"duplicate"`
}

type JobStatusResponse struct {
	JobIdentity string `json:"job_identity"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	EnqueuedAt  string `json:"enqueued_at"`
}

func NewJobStatusResponse(s *queue.JobStatus) JobStatusResponse {
	return JobStatusResponse{
		JobIdentity: s.Identity.String(),
		State:       string(s.State),
		Attempts:    s.Attempts,
		EnqueuedAt:  s.EnqueuedAt.Format(time.RFC3339),
	}
}

type ListFailuresRequest struct {
	UserID   string `form:"user_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListFailuresResponse struct {
	Failures   []FailureDTO `json:"failures"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type FailureDTO struct {
	ID          string `json:"id"`
	JobIdentity string `json:"job_identity"`
	UserID      string `json:"user_id"`
	Error       string `json:"error"`
	Attempts    int    `json:"attempts"`
	FailedAt    string `json:"failed_at"`
}

func NewListFailuresResponse(page *queue.FailurePage) ListFailuresResponse {
	failures := make([]FailureDTO, len(page.Records))
	for i, r := range page.Records {
		failures[i] = FailureDTO{
			ID:          r.ID,
			JobIdentity: r.Identity.String(),
			UserID:      r.UserID,
			Error:       r.Error,
			Attempts:    r.Attempts,
			FailedAt:    r.FailedAt.Format(time.RFC3339),
		}
	}
	return ListFailuresResponse{Failures: failures, NextCursor: page.NextCursor}
}
