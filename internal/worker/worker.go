package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/imagegen-gateway/internal/billing"
)

var ErrQueueFull = errors.New("usage queue is full")

// drainTimeout bounds how long Process keeps writing after shutdown.
const drainTimeout = 5 * time.Second

type Queue interface {
	Enqueue(ctx context.Context, log *billing.GenerationLog) error
	Process(ctx context.Context) error // starts the worker loop
}

// UsageQueue writes generation history off the request path. Enqueue never
// blocks; when the buffer is full the entry is dropped.
type UsageQueue struct {
	store billing.Store
	jobs  chan *billing.GenerationLog
	log   logrus.FieldLogger
}

var _ Queue = (*UsageQueue)(nil)

func NewUsageQueue(store billing.Store, size int, log logrus.FieldLogger) *UsageQueue {
	if size <= 0 {
		size = 1
	}
	return &UsageQueue{
		store: store,
		jobs:  make(chan *billing.GenerationLog, size),
		log:   log,
	}
}

func (q *UsageQueue) Enqueue(ctx context.Context, entry *billing.GenerationLog) error {
	select {
	case q.jobs <- entry:
		return nil
	default:
		q.log.WithFields(logrus.Fields{
			"user_id":    entry.UserID,
			"request_id": entry.RequestID,
		}).Warn("usage queue full, dropping generation log")
		return ErrQueueFull
	}
}

// Process writes queued entries until ctx is done, then drains what is left.
func (q *UsageQueue) Process(ctx context.Context) error {
	for {
		select {
		case entry := <-q.jobs:
			q.write(ctx, entry)
		case <-ctx.Done():
			q.drain()
			return nil
		}
	}
}

func (q *UsageQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case entry := <-q.jobs:
			q.write(ctx, entry)
		default:
			return
		}
	}
}

func (q *UsageQueue) write(ctx context.Context, entry *billing.GenerationLog) {
	if err := q.store.LogGeneration(ctx, entry); err != nil {
		q.log.WithError(err).WithField("request_id", entry.RequestID).Error("failed to write generation log")
	}
}

// Len reports the number of buffered entries.
func (q *UsageQueue) Len() int { return len(q.jobs) }
