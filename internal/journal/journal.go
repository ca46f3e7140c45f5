// Package journal persists recorded key messages and replays them into a
// key index on startup, so keys delivered before a restart stay usable.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/keysync"
	"github.com/jmylchreest/keysync/internal/observability"
	"github.com/jmylchreest/keysync/internal/repository"
)

// DefaultQueueSize bounds the number of keys waiting to be written.
const DefaultQueueSize = 256

// ErrJournalClosed is returned by Start after Stop.
var ErrJournalClosed = errors.New("journal closed")

type entry struct {
	src keysync.Source
	msg keys.KeyMessage
}

// Journal writes keys on a background goroutine. Append never blocks; when
// the queue is full the key is counted as dropped.
type Journal struct {
	repo   repository.KeyRecordRepository
	logger *slog.Logger
	queue  chan entry

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates a stopped journal. queueSize <= 0 uses DefaultQueueSize.
func New(repo repository.KeyRecordRepository, queueSize int, logger *slog.Logger) *Journal {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		repo:   repo,
		logger: observability.WithComponent(logger, "journal"),
		queue:  make(chan entry, queueSize),
		done:   make(chan struct{}),
	}
}

// Replay loads records created within retention of now into index and
// returns how many keys were newly recorded. Invalid records are skipped.
func (j *Journal) Replay(ctx context.Context, index *keys.Index, retention time.Duration) (int, error) {
	since := time.Time{}
	if retention > 0 {
		since = time.Now().Add(-retention)
	}
	records, err := j.repo.LoadSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("replaying journal: %w", err)
	}

	restored := 0
	for _, rec := range records {
		msg, err := rec.Message()
		if err != nil {
			j.logger.WarnContext(ctx, "skipping journal record", slog.String("error", err.Error()))
			continue
		}
		if index.Record(msg) {
			restored++
		}
	}
	j.logger.InfoContext(ctx, "journal replayed",
		slog.Int("records", len(records)),
		slog.Int("restored", restored))
	return restored, nil
}

// Append queues msg for writing. It matches keysync.Hooks.OnKeyRecorded.
func (j *Journal) Append(src keysync.Source, msg keys.KeyMessage) {
	select {
	case j.queue <- entry{src: src, msg: msg}:
	default:
		j.dropped.Add(1)
		j.logger.Warn("journal queue full, dropping key", slog.String("key", msg.String()))
	}
}

// Start runs the writer. Calling Start while running is a no-op.
func (j *Journal) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	if j.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.started = true
	go j.run(runCtx)
	return nil
}

// Stop drains queued keys and stops the writer. It is safe to call
// repeatedly and before Start.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	started := j.started
	j.mu.Unlock()

	if !started {
		return
	}
	j.cancel()
	<-j.done
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case e := <-j.queue:
			j.write(context.WithoutCancel(ctx), e)
		case <-ctx.Done():
			j.drain(context.WithoutCancel(ctx))
			return
		}
	}
}

func (j *Journal) drain(ctx context.Context) {
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e entry) {
	if _, err := j.repo.Save(ctx, e.msg, string(e.src)); err != nil {
		j.failed.Add(1)
		j.logger.ErrorContext(ctx, "journal write failed",
			slog.String("key", e.msg.String()),
			slog.String("error", err.Error()))
		return
	}
	j.written.Add(1)
}

// Prune deletes records created before now minus retention.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return j.repo.DeleteBefore(ctx, time.Now().Add(-retention))
}

// Stats is a snapshot of writer counters.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Queued  int   `json:"queued"`
}

// Stats returns the writer counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
		Queued:  len(j.queue),
	}
}
