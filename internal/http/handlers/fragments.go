package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/keysync/internal/engine"
	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/observability"
	"github.com/jmylchreest/keysync/internal/segment"
)

// Decrypter decrypts one segment buffer in place.
type Decrypter interface {
	Decrypt(ctx context.Context, buf []byte, fctx engine.FragmentContext) ([]byte, error)
}

// TrackLister lists tracks learned from init segments.
type TrackLister interface {
	Tracks() []segment.TrackInfo
}

// FragmentHandler accepts segment buffers and returns them decrypted.
type FragmentHandler struct {
	engine      Decrypter
	tracks      TrackLister
	maxBodySize int64
	logger      *slog.Logger
}

// NewFragmentHandler creates a fragment handler. maxBodySize <= 0 keeps the
// huma default.
func NewFragmentHandler(e Decrypter, tracks TrackLister, maxBodySize int64, logger *slog.Logger) *FragmentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FragmentHandler{
		engine:      e,
		tracks:      tracks,
		maxBodySize: maxBodySize,
		logger:      observability.WithComponent(logger, "fragments_api"),
	}
}

// Track is one track definition.
type Track struct {
	Kind      string `json:"kind" enum:"audio,video"`
	TrackID   uint32 `json:"track_id"`
	Timescale uint32 `json:"timescale"`
}

// ListTracksInput is the input for listing tracks.
type ListTracksInput struct{}

// ListTracksOutput lists known tracks.
type ListTracksOutput struct {
	Body struct {
		Tracks []Track `json:"tracks"`
	}
}

// DecryptFragmentInput carries one init or media segment.
type DecryptFragmentInput struct {
	Kind     string  `path:"kind" enum:"audio,video" doc:"Media kind of the segment"`
	Track    string  `query:"track" maxLength:"64" doc:"Stable track or stream identity used in logs"`
	Duration float64 `query:"duration" minimum:"0" doc:"Nominal fragment duration in seconds, paces key retries"`
	RawBody  []byte  `contentType:"application/octet-stream"`
}

// DecryptFragmentOutput is the segment with payloads decrypted in place.
type DecryptFragmentOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// Register registers the fragment routes with the API.
func (h *FragmentHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:  "decryptFragment",
		Method:       "POST",
		Path:         "/api/v1/fragments/{kind}",
		Summary:      "Decrypt a segment",
		Description:  "Init segments register tracks and are returned unchanged. Media segments are returned with every payload decrypted, or 409 when a key did not arrive in time.",
		Tags:         []string{"Fragments"},
		MaxBodyBytes: h.maxBodySize,
	}, h.Decrypt)

	huma.Register(api, huma.Operation{
		OperationID: "listTracks",
		Method:      "GET",
		Path:        "/api/v1/tracks",
		Summary:     "List tracks",
		Description: "Returns the tracks registered by init segments",
		Tags:        []string{"Fragments"},
	}, h.ListTracks)
}

// ListTracks returns the known track definitions.
func (h *FragmentHandler) ListTracks(ctx context.Context, input *ListTracksInput) (*ListTracksOutput, error) {
	out := &ListTracksOutput{}
	out.Body.Tracks = []Track{}
	for _, t := range h.tracks.Tracks() {
		out.Body.Tracks = append(out.Body.Tracks, Track{
			Kind:      t.Kind.String(),
			TrackID:   t.TrackID,
			Timescale: t.Timescale,
		})
	}
	return out, nil
}

// Decrypt processes one segment.
func (h *FragmentHandler) Decrypt(ctx context.Context, input *DecryptFragmentInput) (*DecryptFragmentOutput, error) {
	kind, err := keys.ParseMediaKind(input.Kind)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	if len(input.RawBody) == 0 {
		return nil, huma.Error400BadRequest("segment body is required")
	}

	requestID := observability.RequestIDFromContext(ctx)
	if input.Track != "" {
		requestID = input.Track + "/" + requestID
	}

	out, err := h.engine.Decrypt(ctx, input.RawBody, engine.FragmentContext{
		Kind:      kind,
		RequestID: requestID,
		Duration:  keys.SecondsToDuration(input.Duration),
	})
	if err != nil {
		h.logger.DebugContext(ctx, "fragment rejected",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return nil, statusError(err)
	}
	return &DecryptFragmentOutput{ContentType: "application/octet-stream", Body: out}, nil
}

// statusError maps engine errors onto HTTP problems.
func statusError(err error) error {
	switch {
	case errors.Is(err, engine.ErrKeyNotYetAvailable):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, segment.ErrUnrecognizedTrackType),
		errors.Is(err, segment.ErrMissingTrackInfo),
		errors.Is(err, segment.ErrMalformedSegment),
		errors.Is(err, keys.ErrMalformedWireValue):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, engine.ErrEngineClosed),
		errors.Is(err, engine.ErrNotInitialized),
		errors.Is(err, context.Canceled):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error500InternalServerError("decrypting fragment", err)
	}
}
