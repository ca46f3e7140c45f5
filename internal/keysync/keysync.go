// Package keysync keeps a key index populated from a push subscription and a
// polled HTTP key index. Both transports are optional and may run together.
package keysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/observability"
)

var (
	// ErrKeyFetchFailure marks a key resource that could not be fetched or
	// parsed. It is terminal for that resource.
	ErrKeyFetchFailure = errors.New("key fetch failure")

	// ErrIndexFetchFailure is returned when every attempt to fetch a key index
	// in one tick failed.
	ErrIndexFetchFailure = errors.New("key index fetch failure")
)

// Source names the transport a key arrived on.
type Source string

const (
	SourcePush Source = "push"
	SourcePull Source = "pull"
)

// Subscriber delivers one complete message payload per handler call.
type Subscriber interface {
	Subscribe(ctx context.Context, handler func(payload []byte)) error
	Close() error
}

// Fetcher retrieves a URL. Any non-success response is an error.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Sink receives parsed key messages. Record returns false for duplicates.
type Sink interface {
	Record(msg keys.KeyMessage) bool
}

// Hooks observe ingestion. Nil hooks are skipped. Hooks run on transport
// goroutines and must not block.
type Hooks struct {
	OnKeyRecorded    func(src Source, msg keys.KeyMessage)
	OnMessageDropped func(src Source, err error)
	OnIndexFetched   func(kind keys.MediaKind, listed, fresh int)
}

// Config selects and tunes the transports.
type Config struct {
	PushEnabled bool
	PullEnabled bool
	Pull        PullConfig
}

// Syncer drives the transports. Create it with New.
type Syncer struct {
	cfg     Config
	sink    Sink
	sub     Subscriber
	fetcher Fetcher
	hooks   Hooks
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	activated    chan struct{}
	activateOnce sync.Once

	horizonMu sync.RWMutex
	horizons  map[keys.MediaKind]time.Duration

	seenMu sync.Mutex
	seen   map[keys.MediaKind]map[string]resourceState

	stats counters
}

type counters struct {
	received      atomic.Int64
	recorded      atomic.Int64
	duplicates    atomic.Int64
	dropped       atomic.Int64
	indexFetches  atomic.Int64
	indexFailures atomic.Int64
	keyFetches    atomic.Int64
	keyFailures   atomic.Int64
	skipped       atomic.Int64
}

// Options are the dependencies of a Syncer. Subscriber is required when push
// is enabled and Fetcher when pull is enabled.
type Options struct {
	Config     Config
	Sink       Sink
	Subscriber Subscriber
	Fetcher    Fetcher
	Hooks      Hooks
	Logger     *slog.Logger
}

// New validates opts and returns a stopped Syncer.
func New(opts Options) (*Syncer, error) {
	if opts.Sink == nil {
		return nil, errors.New("keysync: sink is required")
	}
	if opts.Config.PushEnabled && opts.Subscriber == nil {
		return nil, errors.New("keysync: push enabled without a subscriber")
	}
	if opts.Config.PullEnabled {
		if opts.Fetcher == nil {
			return nil, errors.New("keysync: pull enabled without a fetcher")
		}
		if opts.Config.Pull.BaseURL == "" {
			return nil, errors.New("keysync: pull enabled without a base url")
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		cfg:       Config{PushEnabled: opts.Config.PushEnabled, PullEnabled: opts.Config.PullEnabled, Pull: opts.Config.Pull.withDefaults()},
		sink:      opts.Sink,
		sub:       opts.Subscriber,
		fetcher:   opts.Fetcher,
		hooks:     opts.Hooks,
		logger:    observability.WithComponent(logger, "keysync"),
		activated: make(chan struct{}),
		horizons:  make(map[keys.MediaKind]time.Duration),
		seen:      make(map[keys.MediaKind]map[string]resourceState),
	}, nil
}

// Start establishes the enabled transports. Calling Start while running is a
// no-op. Pull polling begins after the first ObservePlayback call.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if s.cfg.PushEnabled {
		if err := s.sub.Subscribe(runCtx, func(payload []byte) {
			s.handlePayload(SourcePush, payload)
		}); err != nil {
			cancel()
			return fmt.Errorf("subscribing to key topic: %w", err)
		}
	}
	if s.cfg.PullEnabled {
		s.wg.Add(1)
		go s.pullLoop(runCtx)
	}

	s.running = true
	s.cancel = cancel
	s.logger.Info("key sync started",
		slog.Bool("push", s.cfg.PushEnabled),
		slog.Bool("pull", s.cfg.PullEnabled))
	return nil
}

// Stop tears down the transports and waits for the pull loop to exit. It is
// safe to call repeatedly and before Start.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if s.cfg.PushEnabled {
		if err := s.sub.Close(); err != nil {
			s.logger.Warn("closing subscriber", slog.String("error", err.Error()))
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("key sync stopped")
}

// ObservePlayback reports that a fragment of kind at media time t was seen.
// The first call activates pull polling; later calls advance the time floor.
func (s *Syncer) ObservePlayback(kind keys.MediaKind, t time.Duration) {
	s.horizonMu.Lock()
	if cur, ok := s.horizons[kind]; !ok || t > cur {
		s.horizons[kind] = t
	}
	s.horizonMu.Unlock()

	s.activateOnce.Do(func() { close(s.activated) })
}

// Horizon returns the latest observed media time for kind.
func (s *Syncer) Horizon(kind keys.MediaKind) (time.Duration, bool) {
	s.horizonMu.RLock()
	defer s.horizonMu.RUnlock()
	t, ok := s.horizons[kind]
	return t, ok
}

// Activated reports whether a fragment has been observed.
func (s *Syncer) Activated() bool {
	select {
	case <-s.activated:
		return true
	default:
		return false
	}
}

// handlePayload parses and records one message. Malformed messages are
// dropped without affecting the transport.
func (s *Syncer) handlePayload(src Source, payload []byte) {
	s.stats.received.Add(1)
	msg, err := keys.ParseMessage(payload)
	if err != nil {
		s.stats.dropped.Add(1)
		s.logger.Error("dropping key message",
			slog.String("source", string(src)),
			slog.Int("size", len(payload)),
			slog.String("error", err.Error()))
		if s.hooks.OnMessageDropped != nil {
			s.hooks.OnMessageDropped(src, err)
		}
		return
	}
	s.record(src, msg)
}

func (s *Syncer) record(src Source, msg keys.KeyMessage) {
	if !s.sink.Record(msg) {
		s.stats.duplicates.Add(1)
		s.logger.Debug("duplicate key message", slog.String("source", string(src)), slog.String("key", msg.String()))
		return
	}
	s.stats.recorded.Add(1)
	s.logger.Debug("key recorded", slog.String("source", string(src)), slog.String("key", msg.String()))
	if s.hooks.OnKeyRecorded != nil {
		s.hooks.OnKeyRecorded(src, msg)
	}
}

// Status is a snapshot of the syncer state.
type Status struct {
	PushEnabled   bool                     `json:"push_enabled"`
	PullEnabled   bool                     `json:"pull_enabled"`
	Running       bool                     `json:"running"`
	Activated     bool                     `json:"activated"`
	Received      int64                    `json:"received"`
	Recorded      int64                    `json:"recorded"`
	Duplicates    int64                    `json:"duplicates"`
	Dropped       int64                    `json:"dropped"`
	IndexFetches  int64                    `json:"index_fetches"`
	IndexFailures int64                    `json:"index_failures"`
	KeyFetches    int64                    `json:"key_fetches"`
	KeyFailures   int64                    `json:"key_failures"`
	Skipped       int64                    `json:"skipped"`
	Horizons      map[string]time.Duration `json:"horizons"`
}

// Status returns current counters.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	st := Status{
		PushEnabled:   s.cfg.PushEnabled,
		PullEnabled:   s.cfg.PullEnabled,
		Running:       running,
		Activated:     s.Activated(),
		Received:      s.stats.received.Load(),
		Recorded:      s.stats.recorded.Load(),
		Duplicates:    s.stats.duplicates.Load(),
		Dropped:       s.stats.dropped.Load(),
		IndexFetches:  s.stats.indexFetches.Load(),
		IndexFailures: s.stats.indexFailures.Load(),
		KeyFetches:    s.stats.keyFetches.Load(),
		KeyFailures:   s.stats.keyFailures.Load(),
		Skipped:       s.stats.skipped.Load(),
		Horizons:      make(map[string]time.Duration),
	}
	s.horizonMu.RLock()
	for k, t := range s.horizons {
		st.Horizons[k.String()] = t
	}
	s.horizonMu.RUnlock()
	return st
}
