// Package handlers provides the control API handlers.
package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/keysync/internal/keysync"
	"github.com/jmylchreest/keysync/pkg/httpclient"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// SyncStatus reports key acquisition state.
type SyncStatus interface {
	Status() keysync.Status
}

// BreakerStats reports the pull client's circuit breaker.
type BreakerStats interface {
	CircuitStats() httpclient.CircuitBreakerStats
}

// Pinger checks a dependency such as the journal database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	sync      SyncStatus
	breaker   BreakerStats
	db        Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, startTime: time.Now()}
}

// WithSync sets the key sync status source.
func (h *HealthHandler) WithSync(s SyncStatus) *HealthHandler {
	h.sync = s
	return h
}

// WithBreaker sets the pull client whose breaker state is reported.
func (h *HealthHandler) WithBreaker(b BreakerStats) *HealthHandler {
	h.breaker = b
	return h
}

// WithDB sets the journal database for health checks.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse describes the process and its components.
type HealthResponse struct {
	Status        string            `json:"status" enum:"healthy,degraded"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPU           CPUInfo           `json:"cpu"`
	Memory        MemoryInfo        `json:"memory"`
	KeySync       *KeySyncHealth    `json:"key_sync,omitempty"`
	PullCircuit   *CircuitHealth    `json:"pull_circuit,omitempty"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory in MB.
type MemoryInfo struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	AvailableMB float64 `json:"available_mb"`
	ProcessMB   float64 `json:"process_mb"`
	HeapMB      float64 `json:"heap_mb"`
	Goroutines  int     `json:"goroutines"`
}

// KeySyncHealth summarises the transports.
type KeySyncHealth struct {
	Running       bool               `json:"running"`
	Activated     bool               `json:"activated"`
	PushEnabled   bool               `json:"push_enabled"`
	PullEnabled   bool               `json:"pull_enabled"`
	Recorded      int64              `json:"recorded"`
	Dropped       int64              `json:"dropped"`
	IndexFailures int64              `json:"index_failures"`
	KeyFailures   int64              `json:"key_failures"`
	Horizons      map[string]float64 `json:"horizons_seconds"`
}

// CircuitHealth is the pull client's breaker state.
type CircuitHealth struct {
	State               string `json:"state" enum:"closed,open,half-open"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalRequests       int64  `json:"total_requests"`
	TotalFailures       int64  `json:"total_failures"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns process metrics, key sync status and the pull circuit state",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetLivez reports that the process is serving.
func (h *HealthHandler) GetLivez(ctx context.Context, input *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPU:           cpuInfo(),
		Memory:        memoryInfo(),
		Checks:        map[string]string{},
	}

	if h.sync != nil {
		st := h.sync.Status()
		ks := &KeySyncHealth{
			Running:       st.Running,
			Activated:     st.Activated,
			PushEnabled:   st.PushEnabled,
			PullEnabled:   st.PullEnabled,
			Recorded:      st.Recorded,
			Dropped:       st.Dropped,
			IndexFailures: st.IndexFailures,
			KeyFailures:   st.KeyFailures,
			Horizons:      make(map[string]float64, len(st.Horizons)),
		}
		for kind, t := range st.Horizons {
			ks.Horizons[kind] = t.Seconds()
		}
		resp.KeySync = ks
		resp.Checks["key_sync"] = "ok"
		if !st.Running {
			resp.Checks["key_sync"] = "stopped"
			resp.Status = "degraded"
		}
	}

	if h.breaker != nil {
		cs := h.breaker.CircuitStats()
		resp.PullCircuit = &CircuitHealth{
			State:               cs.State.String(),
			ConsecutiveFailures: cs.ConsecutiveFailures,
			TotalRequests:       cs.TotalRequests,
			TotalFailures:       cs.TotalFailures,
		}
		resp.Checks["pull_circuit"] = cs.State.String()
		if cs.State == httpclient.CircuitOpen {
			resp.Status = "degraded"
		}
	}

	if h.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.db.Ping(pingCtx)
		cancel()
		resp.Checks["database"] = "ok"
		if err != nil {
			resp.Checks["database"] = "error"
			resp.Status = "degraded"
		}
	}

	return &HealthOutput{Body: resp}, nil
}

func cpuInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}
	if avg, err := load.Avg(); err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

const mb = 1024 * 1024

func memoryInfo() MemoryInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info := MemoryInfo{
		HeapMB:     float64(ms.HeapAlloc) / mb,
		Goroutines: runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMB = float64(vm.Total) / mb
		info.UsedMB = float64(vm.Used) / mb
		info.AvailableMB = float64(vm.Available) / mb
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pm, err := proc.MemoryInfo(); err == nil && pm != nil {
			info.ProcessMB = float64(pm.RSS) / mb
		}
	}
	return info
}
