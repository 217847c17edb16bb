package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T) (*Queue, *miniredis.Miniredis, *fakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := New(rdb, Config{
		KeyPrefix:     "test",
		WorkerID:      "worker-a",
		LeaseDuration: time.Minute,
		PollInterval:  10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.now = clock.Now

	return q, mr, clock
}

func job(userID string) queue.Job {
	return queue.Job{
		Identity: domain.IdentityFor(userID),
		UserID:   userID,
		Payload:  []byte(`{"user_id":"` + userID + `"}`),
	}
}

func claimNow(t *testing.T, q *Queue) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Claim(ctx)
	require.NoError(t, err)
	return d
}

func TestEnqueue_DeduplicatesOnIdentity(t *testing.T) {
	q, mr, _ := setup(t)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	assert.False(t, created, "second submission must be coalesced")

	waiting, err := mr.List("test:wait")
	require.NoError(t, err)
	assert.Equal(t, []string{"automation:u1"}, waiting)

	created, err = q.Enqueue(ctx, job("u2"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	assert.True(t, created)
}

func TestEnqueue_DeduplicatesWhileActive(t *testing.T) {
	q, _, _ := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	d := claimNow(t, q)

	created, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	assert.False(t, created)

	status, err := q.Status(ctx, d.Identity)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, status.State)
}

func TestClaim_AckRemovesEntry(t *testing.T) {
	q, mr, _ := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)

	d := claimNow(t, q)
	assert.Equal(t, domain.JobIdentity("automation:u1"), d.Identity)
	assert.Equal(t, "u1", d.UserID)
	assert.Equal(t, 1, d.Attempt)
	assert.NotEmpty(t, d.Lease)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(d.Payload))

	status, err := q.Status(ctx, d.Identity)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, status.State)
	assert.Equal(t, "worker-a", status.ClaimedBy)

	require.NoError(t, q.Ack(ctx, d))

	_, err = q.Status(ctx, d.Identity)
	assert.True(t, errors.Is(err, queue.ErrNotFound))
	assert.False(t, mr.Exists("test:completed"))

	// terminal: the same user may submit again
	created, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAck_KeepsCompletedWhenNotRemoved(t *testing.T) {
	q, mr, _ := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("u1"), queue.EnqueueOptions{RemoveOnSuccess: false, FailedHistory: 10})
	require.NoError(t, err)
	d := claimNow(t, q)
	require.NoError(t, q.Ack(ctx, d))

	completed, err := mr.List("test:completed")
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Contains(t, completed[0], "automation:u1")
}

func TestAck_CompletedHistoryIsBounded(t *testing.T) {
	q, mr, _ := setup(t)
	q.completedMax = 3
	ctx := context.Background()
	opts := queue.EnqueueOptions{RemoveOnSuccess: false, FailedHistory: 10}

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, job(fmt.Sprintf("u%d", i)), opts)
		require.NoError(t, err)
		d := claimNow(t, q)
		require.NoError(t, q.Ack(ctx, d))
	}

	completed, err := mr.List("test:completed")
	require.NoError(t, err)
	require.Len(t, completed, 3)
	assert.Contains(t, completed[0], "automation:u4", "newest first")
	assert.Contains(t, completed[2], "automation:u2")
}

func TestNew_CompletedHistoryDefault(t *testing.T) {
	q := New(nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, DefaultCompletedHistory, q.completedMax)
	assert.Equal(t, queue.DefaultLeaseDuration, q.lease)
}

func TestNack_RecordsFailure(t *testing.T) {
	q, _, _ := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	d := claimNow(t, q)

	require.NoError(t, q.Nack(ctx, d, errors.New("engine error: login rejected")))

	_, err = q.Status(ctx, d.Identity)
	assert.True(t, errors.Is(err, queue.ErrNotFound))

	page, err := q.Failures(ctx, queue.FailureFilter{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, domain.JobIdentity("automation:u1"), rec.Identity)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "engine error: login rejected", rec.Error)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "worker-a", rec.WorkerID)
	assert.NotEmpty(t, rec.ID)

	// failed is terminal: re-submission creates a new job
	created, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	assert.True(t, created)
}

func TestNack_TruncatesLongErrorOnRuneBoundary(t *testing.T) {
	q, _, _ := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	d := claimNow(t, q)

	// "x" shifts the three-byte runes so the byte limit lands mid-rune
	cause := errors.New("x" + strings.Repeat("登", maxFailureErrorBytes))
	require.NoError(t, q.Nack(ctx, d, cause))

	page, err := q.Failures(ctx, queue.FailureFilter{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	msg := page.Records[0].Error
	assert.True(t, utf8.ValidString(msg))
	assert.LessOrEqual(t, len(msg), maxFailureErrorBytes)
	assert.Equal(t, maxFailureErrorBytes-1, len(msg), "partial rune dropped")
}

func TestNack_HistoryIsBounded(t *testing.T) {
	q, mr, _ := setup(t)
	ctx := context.Background()
	opts := queue.EnqueueOptions{RemoveOnSuccess: true, FailedHistory: 3}

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, job(fmt.Sprintf("u%d", i)), opts)
		require.NoError(t, err)
		d := claimNow(t, q)
		require.NoError(t, q.Nack(ctx, d, fmt.Errorf("failure %d", i)))
	}

	failed, err := mr.List("test:failed")
	require.NoError(t, err)
	assert.Len(t, failed, 3)

	page, err := q.Failures(ctx, queue.FailureFilter{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	assert.Equal(t, "failure 4", page.Records[0].Error, "newest first")
	assert.Equal(t, "failure 2", page.Records[2].Error)
}

func TestFailures_FilterAndPaging(t *testing.T) {
	q, _, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		_, err := q.Enqueue(ctx, job(user), queue.DefaultEnqueueOptions())
		require.NoError(t, err)
		d := claimNow(t, q)
		require.NoError(t, q.Nack(ctx, d, fmt.Errorf("failure %d", i)))
	}

	page, err := q.Failures(ctx, queue.FailureFilter{UserID: "u1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "failure 4", page.Records[0].Error)
	assert.Equal(t, "failure 2", page.Records[1].Error)
	require.NotEmpty(t, page.NextCursor)

	page, err = q.Failures(ctx, queue.FailureFilter{UserID: "u1", PageSize: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "failure 0", page.Records[0].Error)
	assert.Empty(t, page.NextCursor)

	_, err = q.Failures(ctx, queue.FailureFilter{Cursor: "!!not-base64"})
	assert.True(t, errors.Is(err, queue.ErrInvalidCursor))
}

func TestClaim_BlocksUntilContextDone(t *testing.T) {
	q, _, _ := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d, err := q.Claim(ctx)
	assert.Nil(t, d)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClaim_PicksUpLateJob(t *testing.T) {
	q, _, _ := setup(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = q.Enqueue(context.Background(), job("late"), queue.DefaultEnqueueOptions())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", d.UserID)
}

func TestLease_ExpiredJobIsRedelivered(t *testing.T) {
	q, _, clock := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	first := claimNow(t, q)

	clock.Advance(2 * time.Minute)

	second := claimNow(t, q)
	assert.Equal(t, first.Identity, second.Identity)
	assert.Equal(t, 2, second.Attempt)
	assert.NotEqual(t, first.Lease, second.Lease)

	// the stale holder can no longer settle the job
	assert.True(t, errors.Is(q.Ack(ctx, first), queue.ErrLeaseLost))
	assert.True(t, errors.Is(q.Nack(ctx, first, errors.New("late")), queue.ErrLeaseLost))
	assert.True(t, errors.Is(q.Touch(ctx, first), queue.ErrLeaseLost))

	require.NoError(t, q.Ack(ctx, second))
}

func TestTouch_ExtendsLease(t *testing.T) {
	q, _, clock := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)
	d := claimNow(t, q)

	clock.Advance(45 * time.Second)
	require.NoError(t, q.Touch(ctx, d))
	clock.Advance(45 * time.Second)

	// still leased: nothing to claim
	claimCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Claim(claimCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, q.Ack(ctx, d))
}

func TestStatus_Waiting(t *testing.T) {
	q, _, clock := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("u1"), queue.DefaultEnqueueOptions())
	require.NoError(t, err)

	status, err := q.Status(ctx, domain.IdentityFor("u1"))
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, status.State)
	assert.Equal(t, 0, status.Attempts)
	assert.Equal(t, "u1", status.UserID)
	assert.True(t, clock.Now().Equal(status.EnqueuedAt))

	_, err = q.Status(ctx, domain.IdentityFor("nobody"))
	assert.True(t, errors.Is(err, queue.ErrNotFound))
}

func TestEnqueue_RedisDown(t *testing.T) {
	q, mr, _ := setup(t)
	mr.Close()

	created, err := q.Enqueue(context.Background(), job("u1"), queue.DefaultEnqueueOptions())
	require.Error(t, err)
	assert.False(t, created)
}
