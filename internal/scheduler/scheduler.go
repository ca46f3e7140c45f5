// Package scheduler runs periodic maintenance: pruning key windows that are
// behind the playback horizon and expiring old journal records.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/observability"
)

// ErrAlreadyStarted is returned by Start while running.
var ErrAlreadyStarted = errors.New("maintenance already started")

// parser accepts five-field specs with an optional seconds field and
// descriptors such as "@every 1m" or "@hourly".
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron spec and returns the next run after now.
func ParseSchedule(spec string) (time.Time, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// HorizonSource reports the latest observed media time per kind.
type HorizonSource interface {
	Horizon(kind keys.MediaKind) (time.Duration, bool)
}

// JournalPruner expires persisted key records.
type JournalPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// Config selects what is pruned and when.
type Config struct {
	Schedule string
	// IndexRetention keeps windows ending within this distance behind the
	// horizon. Zero disables index pruning.
	IndexRetention time.Duration
	// JournalRetention is the age after which journal records are deleted.
	// Zero disables journal pruning.
	JournalRetention time.Duration
}

// Result reports one maintenance pass.
type Result struct {
	IndexPruned   int   `json:"index_pruned"`
	JournalPruned int64 `json:"journal_pruned"`
}

// Maintenance prunes the key index and journal on a cron schedule.
type Maintenance struct {
	cfg      Config
	index    *keys.Index
	horizons HorizonSource
	journal  JournalPruner
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	runs    int64
	last    Result
	lastRun time.Time
}

// NewMaintenance validates cfg. journal may be nil when persistence is off.
func NewMaintenance(cfg Config, index *keys.Index, horizons HorizonSource, journal JournalPruner, logger *slog.Logger) (*Maintenance, error) {
	if index == nil || horizons == nil {
		return nil, errors.New("maintenance: index and horizon source are required")
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		cfg:      cfg,
		index:    index,
		horizons: horizons,
		journal:  journal,
		logger:   observability.WithComponent(logger, "maintenance"),
	}, nil
}

// Start schedules RunOnce. Overlapping runs are skipped.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return ErrAlreadyStarted
	}

	cl := cronLogger{logger: m.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(m.cfg.Schedule, func() { m.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}
	c.Start()
	m.cron = c

	m.logger.Info("maintenance started",
		slog.String("schedule", m.cfg.Schedule),
		slog.Duration("index_retention", m.cfg.IndexRetention),
		slog.Duration("journal_retention", m.cfg.JournalRetention))
	return nil
}

// Stop halts the schedule and waits for a running pass. Safe to call
// repeatedly and before Start.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info("maintenance stopped")
}

// RunOnce performs one pruning pass.
func (m *Maintenance) RunOnce(ctx context.Context) Result {
	var res Result
	if m.cfg.IndexRetention > 0 {
		res.IndexPruned = m.pruneIndex()
	}
	if m.journal != nil && m.cfg.JournalRetention > 0 {
		n, err := m.journal.Prune(ctx, m.cfg.JournalRetention)
		if err != nil {
			m.logger.ErrorContext(ctx, "journal prune failed", slog.String("error", err.Error()))
		}
		res.JournalPruned = n
	}

	m.mu.Lock()
	m.runs++
	m.last = res
	m.lastRun = time.Now()
	m.mu.Unlock()

	if res.IndexPruned > 0 || res.JournalPruned > 0 {
		m.logger.DebugContext(ctx, "maintenance pass",
			slog.Int("index_pruned", res.IndexPruned),
			slog.Int64("journal_pruned", res.JournalPruned))
	}
	return res
}

func (m *Maintenance) pruneIndex() int {
	pruned := 0
	for _, track := range m.index.Tracks() {
		horizon, ok := m.horizons.Horizon(track.Kind)
		if !ok {
			continue
		}
		cut := horizon - m.cfg.IndexRetention
		if cut <= 0 {
			continue
		}
		pruned += m.index.Prune(track, cut)
	}
	return pruned
}

// Status describes the schedule and the last pass.
type Status struct {
	Running bool      `json:"running"`
	Runs    int64     `json:"runs"`
	LastRun time.Time `json:"last_run,omitzero"`
	Last    Result    `json:"last"`
}

// Status returns a snapshot of the maintenance state.
func (m *Maintenance) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running: m.cron != nil,
		Runs:    m.runs,
		LastRun: m.lastRun,
		Last:    m.last,
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
