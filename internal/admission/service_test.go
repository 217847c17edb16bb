package admission

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/cuongbtq/automation-scheduler/internal/crypto"
	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/metrics"
	"github.com/cuongbtq/automation-scheduler/internal/policy"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryProducer dedups on identity like the real drivers
type memoryProducer struct {
	mu     sync.Mutex
	jobs   map[domain.JobIdentity]queue.Job
	opts   []queue.EnqueueOptions
	writes int
	err    error
}

func newMemoryProducer() *memoryProducer {
	return &memoryProducer{jobs: make(map[domain.JobIdentity]queue.Job)}
}

func (p *memoryProducer) Enqueue(_ context.Context, job queue.Job, opts queue.EnqueueOptions) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writes++
	p.opts = append(p.opts, opts)
	if p.err != nil {
		return false, p.err
	}
	if _, ok := p.jobs[job.Identity]; ok {
		return false, nil
	}
	p.jobs[job.Identity] = job
	return true, nil
}

type failingEncrypter struct{}

func (failingEncrypter) EncryptFields(map[string]string) (map[string]string, error) {
	return nil, errors.New("entropy source unavailable")
}

func newTestService(t *testing.T, producer queue.Producer, logs *bytes.Buffer) (*Service, *crypto.Cipher) {
	t.Helper()

	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cipher, err := crypto.NewCipher(key)
	require.NoError(t, err)

	evaluator, err := policy.NewEvaluator(policy.DefaultConfig())
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewService(evaluator, cipher, producer, logger), cipher
}

func TestSubmit_FreeUserWithTrialLeft(t *testing.T) {
	producer := newMemoryProducer()
	var logs bytes.Buffer
	svc, cipher := newTestService(t, producer, &logs)

	user := domain.UserContext{UserID: "u1", Tier: domain.TierFree, TrialActionsUsed: 0}
	receipt, err := svc.Submit(context.Background(), user, domain.AutomationParams{TwitterUsername: "alice"},
		domain.CredentialBundle{"pw": "secret1"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobIdentity("automation:u1"), receipt.Identity)
	assert.False(t, receipt.Duplicate)

	job, ok := producer.jobs["automation:u1"]
	require.True(t, ok)
	assert.Equal(t, "u1", job.UserID)
	assert.NotContains(t, string(job.Payload), "secret1")
	assert.Equal(t, []queue.EnqueueOptions{{RemoveOnSuccess: true, FailedHistory: 100}}, producer.opts)

	descriptor, err := domain.DecodeDescriptor(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultFreeProfile(), descriptor.RateLimits)
	assert.Equal(t, 0, descriptor.RateLimits.DirectMessagesPerDay)
	assert.False(t, descriptor.IsPremium)

	plain, err := cipher.Decrypt(descriptor.Credentials["pw"])
	require.NoError(t, err)
	assert.Equal(t, "secret1", plain)

	assert.NotContains(t, logs.String(), "secret1")
}

func TestSubmit_TrialExhausted(t *testing.T) {
	producer := newMemoryProducer()
	var logs bytes.Buffer
	svc, _ := newTestService(t, producer, &logs)
	before := testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues(metrics.ResultDenied))

	user := domain.UserContext{UserID: "u2", Tier: domain.TierFree, TrialActionsUsed: 5}
	receipt, err := svc.Submit(context.Background(), user, domain.AutomationParams{},
		domain.CredentialBundle{"pw": "secret2"})

	assert.Nil(t, receipt)
	assert.True(t, errors.Is(err, domain.ErrAdmissionDenied))
	assert.True(t, IsClientError(err))
	assert.Zero(t, producer.writes, "denied submissions never touch the queue")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues(metrics.ResultDenied)))
}

func TestSubmit_PremiumIgnoresTrialCounter(t *testing.T) {
	producer := newMemoryProducer()
	var logs bytes.Buffer
	svc, _ := newTestService(t, producer, &logs)

	user := domain.UserContext{UserID: "p1", Tier: domain.TierPremium, TrialActionsUsed: 50}
	_, err := svc.Submit(context.Background(), user, domain.AutomationParams{},
		domain.CredentialBundle{domain.CredentialTwitterPassword: "pw"})
	require.NoError(t, err)

	descriptor, err := domain.DecodeDescriptor(producer.jobs["automation:p1"].Payload)
	require.NoError(t, err)
	assert.True(t, descriptor.IsPremium)
	assert.Greater(t, descriptor.RateLimits.DirectMessagesPerDay, 0)
}

func TestSubmit_DuplicateIsCoalesced(t *testing.T) {
	producer := newMemoryProducer()
	var logs bytes.Buffer
	svc, _ := newTestService(t, producer, &logs)

	user := domain.UserContext{UserID: "u1", Tier: domain.TierFree}
	secrets := domain.CredentialBundle{"pw": "secret1"}

	first, err := svc.Submit(context.Background(), user, domain.AutomationParams{}, secrets)
	require.NoError(t, err)
	second, err := svc.Submit(context.Background(), user, domain.AutomationParams{}, secrets)
	require.NoError(t, err)

	assert.Equal(t, first.Identity, second.Identity)
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Len(t, producer.jobs, 1)
	assert.Equal(t, 2, producer.writes, "one queue write per call")
}

func TestSubmit_QueueUnavailable(t *testing.T) {
	producer := newMemoryProducer()
	producer.err = errors.New("dial tcp: connection refused")
	var logs bytes.Buffer
	svc, _ := newTestService(t, producer, &logs)

	_, err := svc.Submit(context.Background(), domain.UserContext{UserID: "u1"}, domain.AutomationParams{},
		domain.CredentialBundle{"pw": "secret1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrQueueUnavailable))
	assert.False(t, IsClientError(err))
	assert.Equal(t, 1, producer.writes)
	assert.NotContains(t, logs.String(), "secret1")
}

func TestSubmit_InvalidRequest(t *testing.T) {
	tests := []struct {
		name    string
		user    domain.UserContext
		secrets domain.CredentialBundle
	}{
		{name: "missing user", user: domain.UserContext{}, secrets: domain.CredentialBundle{"pw": "x"}},
		{name: "no credentials", user: domain.UserContext{UserID: "u1"}},
		{name: "empty credential", user: domain.UserContext{UserID: "u1"}, secrets: domain.CredentialBundle{"pw": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := newMemoryProducer()
			var logs bytes.Buffer
			svc, _ := newTestService(t, producer, &logs)

			_, err := svc.Submit(context.Background(), tt.user, domain.AutomationParams{}, tt.secrets)
			assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
			assert.Zero(t, producer.writes)
		})
	}
}

func TestSubmit_EncryptionFailureSkipsQueue(t *testing.T) {
	producer := newMemoryProducer()
	evaluator, err := policy.NewEvaluator(policy.DefaultConfig())
	require.NoError(t, err)
	svc := NewService(evaluator, failingEncrypter{}, producer, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	_, err = svc.Submit(context.Background(), domain.UserContext{UserID: "u1"}, domain.AutomationParams{},
		domain.CredentialBundle{"pw": "secret1"})
	require.Error(t, err)
	assert.Zero(t, producer.writes)
}

func TestSubmit_CustomRetention(t *testing.T) {
	producer := newMemoryProducer()
	var logs bytes.Buffer
	svc, _ := newTestService(t, producer, &logs)
	svc.WithEnqueueOptions(queue.EnqueueOptions{RemoveOnSuccess: false, FailedHistory: 7})

	_, err := svc.Submit(context.Background(), domain.UserContext{UserID: "u9", Tier: domain.TierPremium},
		domain.AutomationParams{}, domain.CredentialBundle{"pw": "x"})
	require.NoError(t, err)

	assert.Equal(t, []queue.EnqueueOptions{{RemoveOnSuccess: false, FailedHistory: 7}}, producer.opts)
}
