// Package admission turns a caller's automation request into exactly one
// queued job. It is stateless between calls: policy, encryption and the queue
// are injected, and plaintext credentials never leave Submit's stack.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/metrics"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
)

// PolicyEvaluator decides whether a user may start a job and with which caps
type PolicyEvaluator interface {
	Evaluate(user domain.UserContext) (domain.RateLimitProfile, error)
}

// Encrypter protects credential fields
type Encrypter interface {
	EncryptFields(fields map[string]string) (map[string]string, error)
}

// Receipt confirms a scheduled job
type Receipt struct {
	Identity domain.JobIdentity
	// Duplicate is true when a non-terminal job for the identity already
	// existed and the submission was coalesced into it
	Duplicate bool
}

// Service is the job admission service
type Service struct {
	policy   PolicyEvaluator
	cipher   Encrypter
	producer queue.Producer
	opts     queue.EnqueueOptions
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an admission service that enqueues with the default
// retention: remove on success, keep the last 100 failures
func NewService(policy PolicyEvaluator, cipher Encrypter, producer queue.Producer, logger *slog.Logger) *Service {
	return &Service{
		policy:   policy,
		cipher:   cipher,
		producer: producer,
		opts:     queue.DefaultEnqueueOptions(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithEnqueueOptions overrides the retention used for new jobs
func (s *Service) WithEnqueueOptions(opts queue.EnqueueOptions) *Service {
	s.opts = opts
	return s
}

// Submit schedules an automation job for user.
//
// Errors: domain.ErrInvalidRequest for missing input, domain.ErrAdmissionDenied
// (wrapped) when the policy refuses, domain.ErrQueueUnavailable when the job
// could not be written. A denied or invalid call never writes to the queue.
func (s *Service) Submit(ctx context.Context, user domain.UserContext, params domain.AutomationParams, secrets domain.CredentialBundle) (*Receipt, error) {
	if err := validateRequest(user, secrets); err != nil {
		metrics.AdmissionsTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		return nil, err
	}

	limits, err := s.policy.Evaluate(user)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues(metrics.ResultDenied).Inc()
		s.logger.Info("Automation request denied",
			slog.String("user_id", user.UserID),
			slog.String("tier", string(user.Tier)),
			slog.Int("trial_actions_used", user.TrialActionsUsed),
			slog.Any("error", err),
		)
		return nil, err
	}

	encrypted, err := s.cipher.EncryptFields(secrets)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	descriptor := &domain.JobDescriptor{
		UserID:      user.UserID,
		Credentials: domain.EncryptedCredentials(encrypted),
		Params:      params,
		RateLimits:  limits,
		IsPremium:   user.Tier.IsPremium(),
		SubmittedAt: s.now().UTC(),
	}

	payload, err := domain.EncodeDescriptor(descriptor)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}

	identity := descriptor.Identity()
	created, err := s.producer.Enqueue(ctx, queue.Job{
		Identity: identity,
		UserID:   user.UserID,
		Payload:  payload,
	}, s.opts)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues(metrics.ResultError).Inc()
		metrics.QueueErrors.WithLabelValues("enqueue").Inc()
		s.logger.Error("Failed to enqueue automation job",
			slog.String("user_id", user.UserID),
			slog.String("job_identity", identity.String()),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrQueueUnavailable, err)
	}

	result := metrics.ResultAccepted
	if !created {
		result = metrics.ResultDuplicate
	}
	metrics.AdmissionsTotal.WithLabelValues(result).Inc()

	s.logger.Info("Automation job scheduled",
		slog.String("user_id", user.UserID),
		slog.String("job_identity", identity.String()),
		slog.Bool("duplicate", !created),
		slog.Bool("is_premium", descriptor.IsPremium),
	)

	return &Receipt{Identity: identity, Duplicate: !created}, nil
}

func validateRequest(user domain.UserContext, secrets domain.CredentialBundle) error {
	if user.UserID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("%w: at least one credential is required", domain.ErrInvalidRequest)
	}
	for name, value := range secrets {
		if name == "" || value == "" {
			return fmt.Errorf("%w: credential %q is empty", domain.ErrInvalidRequest, name)
		}
	}
	return nil
}

// IsClientError reports whether err should be surfaced to the caller as a
// request problem rather than a server fault
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrAdmissionDenied) || errors.Is(err, domain.ErrInvalidRequest)
}
