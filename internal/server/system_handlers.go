package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/helmsman/internal/database"
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/safety"
	"github.com/aristath/helmsman/internal/scheduler"
	"github.com/aristath/helmsman/internal/work"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatusResponse represents the overall system status
type SystemStatusResponse struct {
	Status        string   `json:"status"` // "healthy" or "degraded"
	RunID         string   `json:"run_id"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	SafetyTier    string   `json:"safety_tier"`
	CanaryPct     int      `json:"canary_pct"`
	FeedConnected bool     `json:"feed_connected"`
	QueueDepth    int      `json:"queue_depth"`
	InFlight      []string `json:"in_flight"`
}

// JobsStatusResponse lists the registered background jobs
type JobsStatusResponse struct {
	TotalJobs int                   `json:"total_jobs"`
	Jobs      []scheduler.JobStatus `json:"jobs"`
}

// DBInfo describes one database for the stats endpoint
type DBInfo struct {
	Name          string  `json:"name"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	PageCount     int64   `json:"page_count"`
	FreelistCount int64   `json:"freelist_count"`
}

// DatabaseStatsResponse aggregates database statistics
type DatabaseStatsResponse struct {
	Databases   []DBInfo `json:"databases"`
	TotalSizeMB float64  `json:"total_size_mb"`
}

// DiskUsageResponse represents disk usage of the data directory
type DiskUsageResponse struct {
	DataDirMB   float64            `json:"data_dir_mb"`
	DatabasesMB map[string]float64 `json:"databases_mb"`
}

// SystemHandlersConfig holds the dependencies for system handlers
type SystemHandlersConfig struct {
	Log       zerolog.Logger
	DataDir   string
	Databases map[string]*database.DB
	Scheduler *scheduler.Scheduler
	Gate      domain.SafetyStateProvider
	Feed      *safety.MetricsFeed // nil when no feed is configured
	Processor *work.Processor
	RunID     string
}

// SystemHandlers handles system monitoring endpoints
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	databases map[string]*database.DB
	sched     *scheduler.Scheduler
	gate      domain.SafetyStateProvider
	feed      *safety.MetricsFeed
	processor *work.Processor
	runID     string
	startTime time.Time
}

// NewSystemHandlers creates system monitoring handlers
func NewSystemHandlers(cfg SystemHandlersConfig) *SystemHandlers {
	return &SystemHandlers{
		log:       cfg.Log.With().Str("component", "system_handlers").Logger(),
		dataDir:   cfg.DataDir,
		databases: cfg.Databases,
		sched:     cfg.Scheduler,
		gate:      cfg.Gate,
		feed:      cfg.Feed,
		processor: cfg.Processor,
		runID:     cfg.RunID,
		startTime: time.Now(),
	}
}

// HandleSystemStatus returns overall system status
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	cpuPercent, memPercent, diskPercent := h.getSystemStats()

	response := SystemStatusResponse{
		Status:        "healthy",
		RunID:         h.runID,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		DiskPercent:   diskPercent,
		InFlight:      []string{},
	}

	if h.gate != nil {
		snap := h.gate.Snapshot()
		response.SafetyTier = snap.Tier
		response.CanaryPct = snap.CanaryPct
		if snap.Tier != string(safety.TierNormal) {
			response.Status = "degraded"
		}
	}

	if h.feed != nil {
		response.FeedConnected = h.feed.Connected()
	}

	if h.processor != nil {
		response.QueueDepth = h.processor.QueueDepth()
		response.InFlight = h.processor.InFlight()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleJobsStatus returns the registered background jobs
// GET /api/system/jobs
func (h *SystemHandlers) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting jobs status")

	jobs := h.sched.Jobs()

	response := JobsStatusResponse{
		TotalJobs: len(jobs),
		Jobs:      jobs,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleRunJob triggers a registered job immediately
// POST /api/system/jobs/{name}/run
func (h *SystemHandlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	h.log.Info().Str("job", name).Msg("Manual job run requested")

	if err := h.sched.RunByName(name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("job", name).Msg("Manual job run failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"job":    name,
	})
}

// HandleDatabaseStats returns statistics for each database
// GET /api/system/database/stats
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting database stats")

	databases := make([]DBInfo, 0, len(h.databases))
	totalSizeMB := 0.0

	for name, db := range h.databases {
		if db == nil {
			continue
		}
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to get database stats")
			continue
		}
		info := DBInfo{
			Name:          name,
			SizeMB:        float64(stats.SizeBytes) / 1024 / 1024,
			WALSizeMB:     float64(stats.WALSizeBytes) / 1024 / 1024,
			PageCount:     stats.PageCount,
			FreelistCount: stats.FreelistCount,
		}
		databases = append(databases, info)
		totalSizeMB += info.SizeMB + info.WALSizeMB
	}

	response := DatabaseStatsResponse{
		Databases:   databases,
		TotalSizeMB: totalSizeMB,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleDiskUsage returns disk usage of the data directory
// GET /api/system/disk-usage
func (h *SystemHandlers) HandleDiskUsage(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting disk usage")

	databasesMB := make(map[string]float64, len(h.databases))
	for name, db := range h.databases {
		if db == nil {
			continue
		}
		if fileInfo, err := os.Stat(db.Path()); err == nil {
			databasesMB[name] = float64(fileInfo.Size()) / 1024 / 1024
		}
	}

	response := DiskUsageResponse{
		DataDirMB:   h.getDirSize(h.dataDir),
		DatabasesMB: databasesMB,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// getDirSize calculates the total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// getSystemStats calculates CPU, RAM and data-disk usage percentages
// Uses a shorter interval (100ms) for faster response while still providing accurate readings
func (h *SystemHandlers) getSystemStats() (float64, float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memPercent := 0.0
	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		memPercent = memStat.UsedPercent
	}

	diskPercent := 0.0
	diskStat, err := disk.Usage(h.dataDir)
	if err != nil {
		h.log.Warn().Err(err).Str("dir", h.dataDir).Msg("Failed to get disk statistics")
	} else {
		diskPercent = diskStat.UsedPercent
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memPercent, diskPercent
}
