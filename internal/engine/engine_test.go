package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/keysync/internal/aesctr"
	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/segment"
	"github.com/jmylchreest/keysync/internal/testutil"
)

var videoTrack = testutil.Track{ID: 1, Volume: 0, Width: 640, Height: 360, Timescale: 90000}

func keyMsg(kind keys.MediaKind, track uint32, start, dur time.Duration, key, iv string) keys.KeyMessage {
	return keys.KeyMessage{
		TrackID:  track,
		Kind:     kind,
		Start:    start,
		Duration: dur,
		Key:      keys.WireValue(key),
		IV:       keys.WireValue(iv),
	}
}

func encrypt(t *testing.T, msg keys.KeyMessage, plain []byte) []byte {
	t.Helper()
	key, iv, err := msg.Material()
	require.NoError(t, err)
	out := make([]byte, len(plain))
	require.NoError(t, aesctr.Standard{}.XORKeyStream(key, iv, out, plain))
	return out
}

func newEngine(t *testing.T, idx KeyFinder, cfg Config, opts ...func(*Options)) *Engine {
	t.Helper()
	o := Options{Config: cfg, Index: idx}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(o)
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(e.Shutdown)
	return e
}

func loadInit(t *testing.T, e *Engine, tracks ...testutil.Track) {
	t.Helper()
	out, err := e.Decrypt(context.Background(), testutil.InitSegment(tracks...), FragmentContext{})
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestDecrypt_KeyCoversFragment(t *testing.T) {
	idx := keys.NewIndex()
	msg := keyMsg(keys.KindVideo, 1, 500*time.Millisecond, time.Second, "81985529216486895", "3735928559")
	idx.Record(msg)

	var observed time.Duration
	e := newEngine(t, idx, Config{}, func(o *Options) {
		o.Observer = observerFunc(func(kind keys.MediaKind, at time.Duration) {
			assert.Equal(t, keys.KindVideo, kind)
			observed = at
		})
	})
	loadInit(t, e, videoTrack)

	plain := bytes.Repeat([]byte("cleartext sample "), 20)
	buf := testutil.MediaSegment(1, testutil.Fragment{TrackID: 1, DecodeTime: 90000, Payload: encrypt(t, msg, plain)})
	want := testutil.MediaSegment(1, testutil.Fragment{TrackID: 1, DecodeTime: 90000, Payload: plain})

	out, err := e.Decrypt(context.Background(), buf, FragmentContext{Kind: keys.KindVideo, Duration: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, want, out, "only the payload bytes change")
	assert.Same(t, &buf[0], &out[0], "decrypted in place")
	assert.Equal(t, time.Second, observed)
}

func TestDecrypt_PassThroughAndInitUnchanged(t *testing.T) {
	e := newEngine(t, keys.NewIndex(), Config{})

	init := testutil.InitSegment(videoTrack)
	orig := bytes.Clone(init)
	out, err := e.Decrypt(context.Background(), init, FragmentContext{})
	require.NoError(t, err)
	assert.Equal(t, orig, out)

	styp := testutil.Box("styp", []byte("msdh"))
	out, err = e.Decrypt(context.Background(), styp, FragmentContext{})
	require.NoError(t, err)
	assert.Equal(t, testutil.Box("styp", []byte("msdh")), out)
}

func TestProcess_RetryUntilKeyArrives(t *testing.T) {
	idx := keys.NewIndex()
	msg := keyMsg(keys.KindVideo, 1, 4500*time.Millisecond, time.Second, "7", "9")
	var misses atomic.Int32

	e := newEngine(t, idx, Config{MaxRetries: 5, MinRetryDelay: time.Millisecond}, func(o *Options) {
		o.Hooks.OnKeyMiss = func(_ FragmentContext, m []Miss, attempt int) {
			misses.Add(1)
			if assert.Len(t, m, 1) {
				assert.Equal(t, 5*time.Second, m[0].At)
			}
			if attempt == 2 {
				idx.Record(msg)
			}
		}
	})
	loadInit(t, e, videoTrack)

	plain := []byte("late key payload")
	buf := testutil.MediaSegment(2, testutil.Fragment{TrackID: 1, DecodeTime: 450000, Payload: encrypt(t, msg, plain)})
	want := testutil.MediaSegment(2, testutil.Fragment{TrackID: 1, DecodeTime: 450000, Payload: plain})

	results := make(chan Result, 1)
	require.NoError(t, e.Process(buf, FragmentContext{Kind: keys.KindVideo, RequestID: "req-1", Duration: 10 * time.Millisecond}, func(r Result) {
		results <- r
	}))

	select {
	case r := <-results:
		require.NoError(t, r.Err)
		assert.False(t, r.Abandoned)
		assert.Equal(t, "req-1", r.RequestID)
		assert.Equal(t, segment.TypeMedia, r.Type)
		assert.Equal(t, 3, r.Attempts)
		assert.Equal(t, want, r.Buffer)
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
	assert.Equal(t, int32(2), misses.Load())
}

func TestProcess_AbandonsAfterRetries(t *testing.T) {
	var abandoned atomic.Int32
	e := newEngine(t, keys.NewIndex(), Config{MaxRetries: 2, MinRetryDelay: time.Millisecond}, func(o *Options) {
		o.Hooks.OnAbandoned = func(_ FragmentContext, attempts int) {
			abandoned.Add(1)
			assert.Equal(t, 3, attempts)
		}
	})
	loadInit(t, e, videoTrack)

	payload := []byte("still encrypted")
	buf := testutil.MediaSegment(1, testutil.Fragment{TrackID: 1, DecodeTime: 450000, Payload: payload})
	orig := bytes.Clone(buf)

	results := make(chan Result, 1)
	require.NoError(t, e.Process(buf, FragmentContext{Duration: 5 * time.Millisecond}, func(r Result) { results <- r }))
	r := <-results

	assert.True(t, r.Abandoned)
	assert.ErrorIs(t, r.Err, ErrKeyNotYetAvailable)
	assert.Nil(t, r.Buffer)
	assert.NotEmpty(t, r.RequestID)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, orig, buf, "nothing written on abandonment")
	assert.Equal(t, int32(1), abandoned.Load())
}

func TestDecrypt_AbandonMode(t *testing.T) {
	e := newEngine(t, keys.NewIndex(), Config{RetryMode: RetryModeAbandon})
	loadInit(t, e, videoTrack)

	start := time.Now()
	_, err := e.Decrypt(context.Background(),
		testutil.MediaSegment(1, testutil.Fragment{TrackID: 1, DecodeTime: 0, Payload: []byte{1}}),
		FragmentContext{Duration: time.Second})
	assert.ErrorIs(t, err, ErrKeyNotYetAvailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDecrypt_AllOrNothing(t *testing.T) {
	idx := keys.NewIndex()
	video := keyMsg(keys.KindVideo, 1, 0, 10*time.Second, "1", "1")
	idx.Record(video)

	e := newEngine(t, idx, Config{RetryMode: RetryModeAbandon})
	loadInit(t, e, videoTrack, testutil.Track{ID: 2, Volume: 0x0100, Timescale: 48000})

	buf := testutil.MediaSegment(1,
		testutil.Fragment{TrackID: 1, DecodeTime: 90000, Payload: encrypt(t, video, []byte("video"))},
		testutil.Fragment{TrackID: 2, DecodeTime: 48000, Payload: []byte("audio ciphertext")},
	)
	orig := bytes.Clone(buf)

	_, err := e.Decrypt(context.Background(), buf, FragmentContext{})
	assert.ErrorIs(t, err, ErrKeyNotYetAvailable)
	assert.Equal(t, orig, buf)
}

func TestDecrypt_RoundTripMuxed(t *testing.T) {
	idx := keys.NewIndex()
	videoKey := keyMsg(keys.KindVideo, 1, time.Second, 2*time.Second, `"000102030405060708090a0b0c0d0e0f"`, `"f0f1f2f3f4f5f6f7"`)
	audioKey := keyMsg(keys.KindAudio, 2, 2*time.Second, time.Second, "18446744073709551615", "18446744073709551615")
	idx.Record(videoKey)
	idx.Record(audioKey)

	e := newEngine(t, idx, Config{})

	init, err := testutil.MarshalInit(&fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{ID: 1, TimeScale: 90000, Codec: &mp4.CodecVP9{Width: 640, Height: 360, Profile: 0}},
			{ID: 2, TimeScale: 48000, Codec: &mp4.CodecOpus{ChannelCount: 2}},
		},
	})
	require.NoError(t, err)
	_, err = e.Decrypt(context.Background(), init, FragmentContext{})
	require.NoError(t, err)

	video := [][]byte{bytes.Repeat([]byte{0xa1}, 100), bytes.Repeat([]byte{0xa2}, 37)}
	audio := [][]byte{bytes.Repeat([]byte{0xb1}, 20), bytes.Repeat([]byte{0xb2}, 21), bytes.Repeat([]byte{0xb3}, 22)}

	part := func(v, a [][]byte) []byte {
		buf, err := testutil.MarshalPart(&fmp4.Part{
			SequenceNumber: 1,
			Tracks: []*fmp4.PartTrack{
				{ID: 1, BaseTime: 180000, Samples: []*fmp4.Sample{
					{Duration: 3000, Payload: v[0]},
					{Duration: 3000, IsNonSyncSample: true, Payload: v[1]},
				}},
				{ID: 2, BaseTime: 96000, Samples: []*fmp4.Sample{
					{Duration: 960, Payload: a[0]},
					{Duration: 960, Payload: a[1]},
					{Duration: 960, Payload: a[2]},
				}},
			},
		})
		require.NoError(t, err)
		return buf
	}

	// The keystream runs across a track's samples in order.
	encVideo := split(encrypt(t, videoKey, bytes.Join(video, nil)), video)
	encAudio := split(encrypt(t, audioKey, bytes.Join(audio, nil)), audio)
	cipherPart := part(encVideo, encAudio)
	clearPart := part(video, audio)
	original := bytes.Clone(cipherPart)

	out, err := e.Decrypt(context.Background(), cipherPart, FragmentContext{})
	require.NoError(t, err)
	assert.Equal(t, clearPart, out)

	// Re-encrypting the cleartext with the same keys reproduces the input.
	seg, err := e.Resolver().Resolve(out, keys.KindUnknown)
	require.NoError(t, err)
	for i, f := range seg.Fragments {
		msg := []keys.KeyMessage{videoKey, audioKey}[i]
		data := encrypt(t, msg, gather(out, f.Payload))
		scatter(out, f.Payload, data)
	}
	assert.Equal(t, original, out)
}

func split(data []byte, like [][]byte) [][]byte {
	out := make([][]byte, len(like))
	for i, l := range like {
		out[i] = data[:len(l)]
		data = data[len(l):]
	}
	return out
}

func TestDecrypt_MalformedWireValue(t *testing.T) {
	idx := keys.NewIndex()
	idx.Record(keyMsg(keys.KindVideo, 1, 0, 10*time.Second, `"not-hex"`, "1"))
	e := newEngine(t, idx, Config{})
	loadInit(t, e, videoTrack)

	buf := testutil.MediaSegment(1, testutil.Fragment{TrackID: 1, DecodeTime: 90000, Payload: []byte("ciphertext")})
	orig := bytes.Clone(buf)

	_, err := e.Decrypt(context.Background(), buf, FragmentContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, keys.ErrMalformedWireValue)
	var wve *keys.WireValueError
	require.ErrorAs(t, err, &wve)
	assert.Equal(t, "key", wve.Field)
	assert.Equal(t, orig, buf)
}

func TestDecrypt_StructuralErrors(t *testing.T) {
	e := newEngine(t, keys.NewIndex(), Config{})

	_, err := e.Decrypt(context.Background(),
		testutil.MediaSegment(1, testutil.Fragment{TrackID: 9, Payload: []byte{1}}), FragmentContext{})
	assert.ErrorIs(t, err, segment.ErrMissingTrackInfo)

	_, err = e.Decrypt(context.Background(),
		testutil.InitSegment(testutil.Track{ID: 1, Volume: 5, Width: 640, Height: 360, Timescale: 90000}), FragmentContext{})
	assert.ErrorIs(t, err, segment.ErrUnrecognizedTrackType)
}

func TestDecrypt_OversizedRunIsRejected(t *testing.T) {
	idx := keys.NewIndex()
	idx.Record(keyMsg(keys.KindVideo, 1, 0, time.Second, "1", "1"))
	e := newEngine(t, idx, Config{RetryMode: RetryModeAbandon})
	loadInit(t, e, testutil.Track{ID: 1, Width: 640, Height: 360, Timescale: 90000})

	buf := testutil.DefaultSizeRun(1, 0x80000001, 0xFFFFFFFF, 100, make([]byte, 64))
	out, err := e.Decrypt(context.Background(), buf, FragmentContext{Kind: keys.KindVideo})
	assert.ErrorIs(t, err, segment.ErrMalformedSegment)
	assert.Nil(t, out)
}

type brokenCipher struct{}

func (brokenCipher) XORKeyStream(_, _ [16]byte, dst, src []byte) error {
	copy(dst, src)
	return nil
}

func TestNew_CipherUnavailable(t *testing.T) {
	_, err := New(Options{Index: keys.NewIndex(), Cipher: brokenCipher{}})
	assert.ErrorIs(t, err, ErrCipherBackendUnavailable)

	_, err = New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Index: keys.NewIndex(), Config: Config{RetryMode: "sometimes"}})
	assert.ErrorContains(t, err, "retry mode")
}

type fakeKeySource struct {
	starts, stops atomic.Int32
	err           error
}

func (f *fakeKeySource) Start(context.Context) error {
	f.starts.Add(1)
	return f.err
}

func (f *fakeKeySource) Stop() { f.stops.Add(1) }

func TestLifecycle(t *testing.T) {
	src := &fakeKeySource{}
	e, err := New(Options{Index: keys.NewIndex(), Keys: src})
	require.NoError(t, err)

	_, err = e.Decrypt(context.Background(), nil, FragmentContext{})
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, e.Initialize(context.Background()))
	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, int32(1), src.starts.Load())

	e.Shutdown()
	e.Shutdown()
	assert.Equal(t, int32(1), src.stops.Load())

	assert.ErrorIs(t, e.Initialize(context.Background()), ErrEngineClosed)
	assert.ErrorIs(t, e.Process(nil, FragmentContext{}, func(Result) {}), ErrEngineClosed)
}

func TestInitialize_KeySourceFails(t *testing.T) {
	src := &fakeKeySource{err: errors.New("broker down")}
	e, err := New(Options{Index: keys.NewIndex(), Keys: src})
	require.NoError(t, err)
	assert.ErrorContains(t, e.Initialize(context.Background()), "broker down")
	e.Shutdown()
}

func TestShutdown_CancelsPendingRetries(t *testing.T) {
	e, err := New(Options{
		Index:  keys.NewIndex(),
		Config: Config{MaxRetries: 100, RetryDelay: 10 * time.Second, MaxRetryDelay: 10 * time.Second},
	})
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	loadInit(t, e, videoTrack)

	var delivered atomic.Int32
	var missed sync.WaitGroup
	missed.Add(1)
	var once sync.Once
	e.hooks.OnKeyMiss = func(FragmentContext, []Miss, int) { once.Do(missed.Done) }

	buf := testutil.MediaSegment(1, testutil.Fragment{TrackID: 1, DecodeTime: 0, Payload: []byte{1}})
	require.NoError(t, e.Process(buf, FragmentContext{}, func(Result) { delivered.Add(1) }))
	missed.Wait()

	start := time.Now()
	e.Shutdown()
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(0), delivered.Load(), "results after shutdown are discarded")
}

func TestDecrypt_ContextCancelled(t *testing.T) {
	e := newEngine(t, keys.NewIndex(), Config{RetryDelay: 10 * time.Second, MaxRetryDelay: 10 * time.Second})
	loadInit(t, e, videoTrack)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Decrypt(ctx, testutil.MediaSegment(1, testutil.Fragment{TrackID: 1, Payload: []byte{1}}), FragmentContext{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		fragment time.Duration
		want     time.Duration
	}{
		{"fragment duration", Config{}, time.Second, time.Second},
		{"default without duration", Config{}, 0, DefaultRetryDelay},
		{"configured delay below duration", Config{RetryDelay: 200 * time.Millisecond}, time.Second, 200 * time.Millisecond},
		{"capped by duration", Config{RetryDelay: 5 * time.Second}, time.Second, time.Second},
		{"min clamp", Config{}, time.Millisecond, DefaultMinRetryDelay},
		{"max clamp", Config{}, time.Minute, DefaultMaxRetryDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.withDefaults().retryDelay(tt.fragment))
		})
	}
}

type observerFunc func(kind keys.MediaKind, t time.Duration)

func (f observerFunc) ObservePlayback(kind keys.MediaKind, t time.Duration) { f(kind, t) }
