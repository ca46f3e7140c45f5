package keysync

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/keysync/internal/keys"
)

const (
	DefaultIndexName        = "keys.txt"
	DefaultPullInterval     = 2 * time.Second
	DefaultIndexAttempts    = 3
	DefaultIndexRetryDelay  = 500 * time.Millisecond
	DefaultFloorLookback    = 10 * time.Second
	DefaultFetchConcurrency = 4
)

// PullConfig configures key index polling. The index for a media kind is read
// from BaseURL/<kind>/IndexName and each listed identifier from
// BaseURL/<kind>/<identifier><ResourceSuffix>.
type PullConfig struct {
	BaseURL         string
	IndexName       string
	ResourceSuffix  string
	Interval        time.Duration
	IndexAttempts   int
	IndexRetryDelay time.Duration
	// FloorLookback is how far behind the playback horizon keys are still
	// fetched. Only identifiers whose last _ or - separated field is a media
	// time in milliseconds, such as "video_1_120000.json", can be placed
	// against the floor. Any other identifier is always fetched once.
	FloorLookback    time.Duration
	FetchConcurrency int
	Kinds            []keys.MediaKind
}

func (c PullConfig) withDefaults() PullConfig {
	if c.IndexName == "" {
		c.IndexName = DefaultIndexName
	}
	if c.Interval <= 0 {
		c.Interval = DefaultPullInterval
	}
	if c.IndexAttempts <= 0 {
		c.IndexAttempts = DefaultIndexAttempts
	}
	if c.IndexRetryDelay < 0 {
		c.IndexRetryDelay = 0
	}
	if c.FloorLookback <= 0 {
		c.FloorLookback = DefaultFloorLookback
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = DefaultFetchConcurrency
	}
	if len(c.Kinds) == 0 {
		c.Kinds = []keys.MediaKind{keys.KindAudio, keys.KindVideo}
	}
	return c
}

type resourceState int

const (
	statePending resourceState = iota
	stateFetched
	stateFailed
	stateSkipped
)

func (s *Syncer) pullLoop(ctx context.Context) {
	defer s.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-s.activated:
	}
	s.logger.Info("key index polling activated", slog.Duration("interval", s.cfg.Pull.Interval))

	ticker := time.NewTicker(s.cfg.Pull.Interval)
	defer ticker.Stop()
	for {
		s.tickAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Syncer) tickAll(ctx context.Context) {
	for _, kind := range s.cfg.Pull.Kinds {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Tick(ctx, kind); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("key index poll failed",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()))
		}
	}
}

// Tick performs one pull pass for kind: it fetches the key index, then every
// identifier not seen before. It returns the number of keys fetched.
func (s *Syncer) Tick(ctx context.Context, kind keys.MediaKind) (int, error) {
	body, err := s.fetchIndex(ctx, kind)
	if err != nil {
		return 0, err
	}
	ids := parseIndex(body)
	fresh := s.claim(kind, ids)
	if s.hooks.OnIndexFetched != nil {
		s.hooks.OnIndexFetched(kind, len(ids), len(fresh))
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Pull.FetchConcurrency)
	var fetched int64
	results := make([]resourceState, len(fresh))
	for i, id := range fresh {
		g.Go(func() error {
			results[i] = s.fetchKey(ctx, kind, id)
			return nil
		})
	}
	_ = g.Wait()

	s.seenMu.Lock()
	for i, id := range fresh {
		switch results[i] {
		case statePending:
			// Interrupted by shutdown; eligible again next time.
			delete(s.seen[kind], id)
		case stateFetched:
			fetched++
			s.seen[kind][id] = stateFetched
		default:
			s.seen[kind][id] = results[i]
		}
	}
	s.seenMu.Unlock()
	return int(fetched), nil
}

func (s *Syncer) fetchIndex(ctx context.Context, kind keys.MediaKind) ([]byte, error) {
	u, err := url.JoinPath(s.cfg.Pull.BaseURL, kind.String(), s.cfg.Pull.IndexName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexFetchFailure, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Pull.IndexAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.Pull.IndexRetryDelay):
			}
		}
		s.stats.indexFetches.Add(1)
		body, err := s.fetcher.Fetch(ctx, u)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		s.logger.Debug("key index fetch attempt failed",
			slog.String("url", u),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	s.stats.indexFailures.Add(1)
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrIndexFetchFailure, u, s.cfg.Pull.IndexAttempts, lastErr)
}

// claim returns the identifiers that have never been seen for kind and marks
// them pending. Identifiers behind the time floor are marked skipped.
func (s *Syncer) claim(kind keys.MediaKind, ids []string) []string {
	floor, hasFloor := s.floor(kind)

	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	seen := s.seen[kind]
	if seen == nil {
		seen = make(map[string]resourceState)
		s.seen[kind] = seen
	}

	var fresh []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		if t, ok := identifierTime(id); ok && hasFloor && t < floor {
			seen[id] = stateSkipped
			s.stats.skipped.Add(1)
			continue
		}
		seen[id] = statePending
		fresh = append(fresh, id)
	}
	return fresh
}

func (s *Syncer) floor(kind keys.MediaKind) (time.Duration, bool) {
	h, ok := s.Horizon(kind)
	if !ok {
		return 0, false
	}
	return h - s.cfg.Pull.FloorLookback, true
}

// fetchKey fetches and records one key resource. Failures are terminal.
func (s *Syncer) fetchKey(ctx context.Context, kind keys.MediaKind, id string) resourceState {
	u, err := url.JoinPath(s.cfg.Pull.BaseURL, kind.String(), id+s.cfg.Pull.ResourceSuffix)
	if err == nil {
		s.stats.keyFetches.Add(1)
		var body []byte
		body, err = s.fetcher.Fetch(ctx, u)
		if err == nil {
			var msg keys.KeyMessage
			msg, err = keys.ParseMessage(body)
			if err == nil {
				s.record(SourcePull, msg)
				return stateFetched
			}
		}
	}

	if ctx.Err() != nil {
		return statePending
	}
	err = fmt.Errorf("%w: %s: %v", ErrKeyFetchFailure, id, err)
	s.stats.keyFailures.Add(1)
	s.logger.Warn("key resource failed",
		slog.String("kind", kind.String()),
		slog.String("resource", id),
		slog.String("error", err.Error()))
	if s.hooks.OnMessageDropped != nil {
		s.hooks.OnMessageDropped(SourcePull, err)
	}
	return stateFailed
}

// parseIndex splits a newline delimited key index. Blank lines and lines
// starting with # are ignored.
func parseIndex(body []byte) []string {
	var ids []string
	dup := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := dup[line]; ok {
			continue
		}
		dup[line] = struct{}{}
		ids = append(ids, line)
	}
	return ids
}

// identifierTime reads a media time in milliseconds from the last _ or -
// separated field of an identifier, ignoring its extension, as in
// "video_1_120000.json".
func identifierTime(id string) (time.Duration, bool) {
	base := strings.TrimSuffix(path.Base(id), path.Ext(id))
	i := strings.LastIndexAny(base, "_-")
	if i < 0 || i == len(base)-1 {
		return 0, false
	}
	ms, err := strconv.ParseUint(base[i+1:], 10, 64)
	if err != nil || ms > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
