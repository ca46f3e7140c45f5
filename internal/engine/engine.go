// Package engine matches media fragments to keys by media time and decrypts
// their payloads in place.
//
// A fragment is processed all or nothing: every track-fragment must have a
// key before any byte is written. When a key is missing the engine either
// waits and looks again, or abandons the fragment so the caller can refetch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/keysync/internal/aesctr"
	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/observability"
	"github.com/jmylchreest/keysync/internal/segment"
)

var (
	// ErrKeyNotYetAvailable signals abandonment: at least one track-fragment
	// had no key after the configured retries.
	ErrKeyNotYetAvailable = errors.New("key not yet available")

	// ErrCipherBackendUnavailable is returned by New when the cipher fails its
	// known-answer test.
	ErrCipherBackendUnavailable = errors.New("cipher backend unavailable")

	// ErrEngineClosed is returned once Shutdown has been called.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNotInitialized is returned before Initialize has been called.
	ErrNotInitialized = errors.New("engine not initialized")
)

// KeyFinder looks up the key covering a media time.
type KeyFinder interface {
	Find(track keys.TrackKey, t time.Duration) (keys.KeyMessage, bool)
}

// PlaybackObserver is told the media time of every resolved fragment.
type PlaybackObserver interface {
	ObservePlayback(kind keys.MediaKind, t time.Duration)
}

// KeySource is the key acquisition lifecycle owned by the engine.
type KeySource interface {
	Start(ctx context.Context) error
	Stop()
}

// FragmentContext describes one Process or Decrypt call.
type FragmentContext struct {
	// Kind hints the track partition when a buffer alone is ambiguous.
	Kind keys.MediaKind
	// RequestID identifies the request in logs and results. Generated when
	// empty.
	RequestID string
	// Duration is the nominal fragment duration and bounds the retry delay.
	Duration time.Duration
}

// Result is delivered to the Process callback.
type Result struct {
	RequestID string
	Type      segment.Type
	// Buffer is the caller's buffer, decrypted in place. Nil on error.
	Buffer []byte
	// Abandoned is set when Err wraps ErrKeyNotYetAvailable.
	Abandoned bool
	Err       error
	Attempts  int
}

// Miss is one track-fragment without a key.
type Miss struct {
	Track keys.TrackKey
	At    time.Duration
}

// Hooks observe fragment processing. Nil hooks are skipped.
type Hooks struct {
	OnDecrypting func(fctx FragmentContext, seg *segment.Segment)
	OnKeyMiss    func(fctx FragmentContext, misses []Miss, attempt int)
	OnAbandoned  func(fctx FragmentContext, attempts int)
	OnDecrypted  func(fctx FragmentContext, seg *segment.Segment, elapsed time.Duration)
}

// Options are the dependencies of an Engine. Index is required.
type Options struct {
	Config   Config
	Index    KeyFinder
	Resolver *segment.Resolver
	Cipher   aesctr.Cipher
	Observer PlaybackObserver
	Keys     KeySource
	Hooks    Hooks
	Logger   *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg      Config
	index    KeyFinder
	resolver *segment.Resolver
	cipher   aesctr.Cipher
	observer PlaybackObserver
	keySrc   KeySource
	hooks    Hooks
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	initialized bool
	closed      bool
	wg          sync.WaitGroup
}

// New checks the cipher against a known-answer vector and returns an engine
// that accepts work after Initialize.
func New(opts Options) (*Engine, error) {
	if opts.Index == nil {
		return nil, errors.New("engine: key index is required")
	}
	cfg := opts.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := opts.Cipher
	if c == nil {
		c = aesctr.Standard{}
	}
	if err := aesctr.SelfTest(c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipherBackendUnavailable, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = segment.NewResolver(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		index:    opts.Index,
		resolver: resolver,
		cipher:   c,
		observer: opts.Observer,
		keySrc:   opts.Keys,
		hooks:    opts.Hooks,
		logger:   observability.WithComponent(logger, "engine"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Initialize starts key acquisition. Calling it again is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.initialized {
		return nil
	}
	if e.keySrc != nil {
		if err := e.keySrc.Start(ctx); err != nil {
			return fmt.Errorf("starting key sync: %w", err)
		}
	}
	e.initialized = true
	e.logger.Info("engine initialized",
		slog.String("retry_mode", string(e.cfg.RetryMode)),
		slog.Int("max_retries", e.cfg.MaxRetries))
	return nil
}

// Shutdown cancels pending retries, waits for in-flight Process calls and
// stops key acquisition. Results of cancelled work are discarded. It is safe to
// call repeatedly.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	if e.keySrc != nil {
		e.keySrc.Stop()
	}
	e.logger.Info("engine shut down")
}

// Resolver returns the segment resolver holding the known tracks.
func (e *Engine) Resolver() *segment.Resolver {
	return e.resolver
}

// Process decrypts buf asynchronously and reports the outcome to cb exactly
// once, unless the engine is shut down first.
func (e *Engine) Process(buf []byte, fctx FragmentContext, cb func(Result)) error {
	if cb == nil {
		return errors.New("engine: callback is required")
	}
	if err := e.acquire(); err != nil {
		return err
	}
	if fctx.RequestID == "" {
		fctx.RequestID = uuid.NewString()
	}

	go func() {
		defer e.wg.Done()
		res := e.run(e.ctx, buf, fctx)
		if e.ctx.Err() != nil {
			e.logger.Debug("discarding result after shutdown", slog.String("request_id", fctx.RequestID))
			return
		}
		cb(res)
	}()
	return nil
}

// Decrypt processes buf synchronously. On success the returned slice is buf,
// decrypted in place. Abandonment is reported as ErrKeyNotYetAvailable.
func (e *Engine) Decrypt(ctx context.Context, buf []byte, fctx FragmentContext) ([]byte, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.wg.Done()
	if fctx.RequestID == "" {
		fctx.RequestID = uuid.NewString()
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(e.ctx, stop)
	defer unregister()

	res := e.run(ctx, buf, fctx)
	return res.Buffer, res.Err
}

func (e *Engine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	e.wg.Add(1)
	return nil
}

// run drives one fragment through resolve, key lookup and decryption.
func (e *Engine) run(ctx context.Context, buf []byte, fctx FragmentContext) Result {
	logger := observability.WithRequestID(e.logger, fctx.RequestID)
	res := Result{RequestID: fctx.RequestID}

	seg, err := e.resolver.Resolve(buf, fctx.Kind)
	if err != nil {
		logger.Error("resolving segment", slog.String("error", err.Error()))
		res.Err = err
		return res
	}
	res.Type = seg.Type
	if seg.Type != segment.TypeMedia {
		res.Buffer = buf
		return res
	}
	e.observe(seg)

	delay := e.cfg.retryDelay(fctx.Duration)
	var found []keys.KeyMessage
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		var misses []Miss
		found, misses = e.lookup(seg)
		if len(misses) == 0 {
			break
		}
		if e.hooks.OnKeyMiss != nil {
			e.hooks.OnKeyMiss(fctx, misses, attempt)
		}
		if e.cfg.RetryMode == RetryModeAbandon || attempt > e.cfg.MaxRetries {
			logger.Warn("abandoning fragment, key not available",
				slog.String("track", misses[0].Track.String()),
				slog.Duration("media_time", misses[0].At),
				slog.Int("attempts", attempt))
			if e.hooks.OnAbandoned != nil {
				e.hooks.OnAbandoned(fctx, attempt)
			}
			res.Abandoned = true
			res.Err = fmt.Errorf("%w: %s at %s after %d attempts",
				ErrKeyNotYetAvailable, misses[0].Track, misses[0].At, attempt)
			return res
		}

		logger.Debug("awaiting key",
			slog.String("track", misses[0].Track.String()),
			slog.Duration("media_time", misses[0].At),
			slog.Duration("retry_in", delay),
			slog.Int("attempt", attempt))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = ctx.Err()
			return res
		case <-timer.C:
		}
	}

	if e.hooks.OnDecrypting != nil {
		e.hooks.OnDecrypting(fctx, seg)
	}
	start := time.Now()
	if err := e.decrypt(ctx, buf, seg, found); err != nil {
		logger.Error("decrypting fragment", slog.String("error", err.Error()))
		res.Err = err
		return res
	}
	elapsed := time.Since(start)
	if e.hooks.OnDecrypted != nil {
		e.hooks.OnDecrypted(fctx, seg, elapsed)
	}
	logger.Debug("fragment decrypted",
		slog.Int("track_fragments", len(seg.Fragments)),
		slog.Duration("duration", elapsed))
	res.Buffer = buf
	return res
}

func (e *Engine) observe(seg *segment.Segment) {
	if e.observer == nil {
		return
	}
	for _, f := range seg.Fragments {
		e.observer.ObservePlayback(f.Track.Kind, f.DecodeTime())
	}
}

// lookup finds a key for every track-fragment of seg.
func (e *Engine) lookup(seg *segment.Segment) ([]keys.KeyMessage, []Miss) {
	found := make([]keys.KeyMessage, len(seg.Fragments))
	var misses []Miss
	for i, f := range seg.Fragments {
		at := f.DecodeTime()
		msg, ok := e.index.Find(f.Track.Key(), at)
		if !ok {
			misses = append(misses, Miss{Track: f.Track.Key(), At: at})
			continue
		}
		found[i] = msg
	}
	return found, misses
}

// decrypt derives every key first, decrypts each track-fragment into its own
// scratch buffer concurrently, and copies the cleartext back only when all
// blocks succeeded.
func (e *Engine) decrypt(ctx context.Context, buf []byte, seg *segment.Segment, found []keys.KeyMessage) error {
	type block struct {
		key, iv [16]byte
		ranges  []segment.Range
		data    []byte
	}
	blocks := make([]block, len(seg.Fragments))
	for i, f := range seg.Fragments {
		key, iv, err := found[i].Material()
		if err != nil {
			return fmt.Errorf("track %s: %w", f.Track.Key(), err)
		}
		blocks[i] = block{key: key, iv: iv, ranges: f.Payload}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range blocks {
		b := &blocks[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src := gather(buf, b.ranges)
			b.data = make([]byte, len(src))
			return e.cipher.XORKeyStream(b.key, b.iv, b.data, src)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, b := range blocks {
		scatter(buf, b.ranges, b.data)
	}
	return nil
}

// gather concatenates the ranges of buf. A single range is returned without
// copying.
func gather(buf []byte, ranges []segment.Range) []byte {
	if len(ranges) == 1 {
		r := ranges[0]
		return buf[r.Offset:r.End()]
	}
	var n int
	for _, r := range ranges {
		n += r.Size
	}
	out := make([]byte, 0, n)
	for _, r := range ranges {
		out = append(out, buf[r.Offset:r.End()]...)
	}
	return out
}

func scatter(buf []byte, ranges []segment.Range, data []byte) {
	for _, r := range ranges {
		copy(buf[r.Offset:r.End()], data[:r.Size])
		data = data[r.Size:]
	}
}
