package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/scheduler"
)

// Snapshotter summarises the key index.
type Snapshotter interface {
	Snapshot() []keys.TrackSummary
}

// Pruner runs one maintenance pass.
type Pruner interface {
	RunOnce(ctx context.Context) scheduler.Result
}

// KeysHandler exposes key index coverage.
type KeysHandler struct {
	index  Snapshotter
	pruner Pruner
}

// NewKeysHandler creates a keys handler. pruner may be nil.
func NewKeysHandler(index Snapshotter, pruner Pruner) *KeysHandler {
	return &KeysHandler{index: index, pruner: pruner}
}

// TrackCoverage describes the key windows held for one track.
type TrackCoverage struct {
	Kind            string  `json:"kind" enum:"audio,video"`
	TrackID         uint32  `json:"track_id"`
	Count           int     `json:"count"`
	EarliestSeconds float64 `json:"earliest_seconds"`
	LatestSeconds   float64 `json:"latest_seconds"`
}

// ListKeysInput is the input for listing key coverage.
type ListKeysInput struct {
	Kind string `query:"kind" enum:"audio,video" doc:"Only tracks of this media kind"`
}

// ListKeysOutput is the output for listing key coverage.
type ListKeysOutput struct {
	Body struct {
		Tracks []TrackCoverage `json:"tracks"`
	}
}

// PruneInput is the input for a manual maintenance pass.
type PruneInput struct{}

// PruneOutput reports what a maintenance pass removed.
type PruneOutput struct {
	Body scheduler.Result
}

// Register registers the key routes with the API.
func (h *KeysHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listKeys",
		Method:      "GET",
		Path:        "/api/v1/keys",
		Summary:     "List key coverage",
		Description: "Returns per-track key counts and the media time span they cover",
		Tags:        []string{"Keys"},
	}, h.List)

	if h.pruner != nil {
		huma.Register(api, huma.Operation{
			OperationID: "pruneKeys",
			Method:      "POST",
			Path:        "/api/v1/keys/prune",
			Summary:     "Prune keys",
			Description: "Runs one maintenance pass immediately",
			Tags:        []string{"Keys"},
		}, h.Prune)
	}
}

// List returns key coverage per track.
func (h *KeysHandler) List(ctx context.Context, input *ListKeysInput) (*ListKeysOutput, error) {
	var filter keys.MediaKind
	if input.Kind != "" {
		k, err := keys.ParseMediaKind(input.Kind)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		filter = k
	}

	out := &ListKeysOutput{}
	out.Body.Tracks = []TrackCoverage{}
	for _, s := range h.index.Snapshot() {
		if filter != keys.KindUnknown && s.Track.Kind != filter {
			continue
		}
		out.Body.Tracks = append(out.Body.Tracks, TrackCoverage{
			Kind:            s.Track.Kind.String(),
			TrackID:         s.Track.TrackID,
			Count:           s.Count,
			EarliestSeconds: s.Earliest.Seconds(),
			LatestSeconds:   s.Latest.Seconds(),
		})
	}
	return out, nil
}

// Prune runs one maintenance pass.
func (h *KeysHandler) Prune(ctx context.Context, input *PruneInput) (*PruneOutput, error) {
	return &PruneOutput{Body: h.pruner.RunOnce(ctx)}, nil
}
