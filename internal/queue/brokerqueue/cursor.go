package brokerqueue

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"github.com/google/uuid"
)

// failureCursor is the keyset position of the last record on a page
type failureCursor struct {
	FailedAt time.Time
	ID       string
}

func decodeFailureCursor(s string) (*failureCursor, error) {
	if s == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrInvalidCursor, err)
	}

	nanos, id, ok := strings.Cut(string(decoded), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: missing separator", queue.ErrInvalidCursor)
	}

	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: bad record id", queue.ErrInvalidCursor)
	}

	var failedAt int64
	if _, err := fmt.Sscanf(nanos, "%d", &failedAt); err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", queue.ErrInvalidCursor)
	}

	return &failureCursor{
		FailedAt: time.Unix(0, failedAt).UTC(),
		ID:       id,
	}, nil
}

func encodeFailureCursor(c failureCursor) string {
	s := fmt.Sprintf("%d|%s", c.FailedAt.UnixNano(), c.ID)
	return base64.StdEncoding.EncodeToString([]byte(s))
}
