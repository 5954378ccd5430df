package handler

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"chat-engine/internal/core/services"
)

// AdminHandler exposes the engine operations to operators and external callers
type AdminHandler struct {
	registry  *services.Registry
	queue     *services.OutboundQueue
	replies   *services.AutoReplyEngine
	sw        *services.ReplySwitch
	campaigns *services.CampaignDispatcher

	diskPath          string
	watchdogThreshold float64
	startedAt         time.Time
}

// NewAdminHandler creates the admin API handler
func NewAdminHandler(
	registry *services.Registry,
	queue *services.OutboundQueue,
	replies *services.AutoReplyEngine,
	sw *services.ReplySwitch,
	campaigns *services.CampaignDispatcher,
	diskPath string,
	watchdogThreshold float64,
) *AdminHandler {
	return &AdminHandler{
		registry:          registry,
		queue:             queue,
		replies:           replies,
		sw:                sw,
		campaigns:         campaigns,
		diskPath:          diskPath,
		watchdogThreshold: watchdogThreshold,
		startedAt:         time.Now(),
	}
}

// Routes mounts the admin API under r
func (h *AdminHandler) Routes(r chi.Router) {
	r.Route("/instances", func(r chi.Router) {
		r.Post("/", h.RegisterInstance)
		r.Get("/", h.ListInstances)
		r.Get("/{id}", h.GetInstance)
		r.Put("/{id}", h.ReconfigureInstance)
		r.Post("/{id}/primary", h.SetPrimary)
		r.Post("/{id}/identifier", h.MigrateIdentifier)
	})

	r.Post("/messages", h.Enqueue)
	r.Get("/messages/{id}", h.GetMessage)

	r.Route("/rules", func(r chi.Router) {
		r.Post("/", h.CreateRule)
		r.Get("/", h.ListRules)
		r.Get("/{id}", h.GetRule)
		r.Put("/{id}", h.UpdateRule)
	})

	r.Post("/autoreply/pause", h.PauseReplies)
	r.Post("/autoreply/resume", h.ResumeReplies)
	r.Get("/autoreply/status", h.ReplyStatus)

	r.Post("/campaigns", h.DispatchCampaign)
	r.Get("/campaigns/{id}", h.GetCampaign)

	r.Get("/system/metrics", h.GetSystemMetrics)
	r.Get("/status", h.GetStatus)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBadRequest(w, r, "Invalid JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, r, "Invalid id")
		return 0, false
	}
	return id, true
}

// ============================================================================
// Instances
// ============================================================================

// RegisterInstance handles POST /api/instances
func (h *AdminHandler) RegisterInstance(w http.ResponseWriter, r *http.Request) {
	var in services.RegisterInstanceInput
	if !decodeJSON(w, r, &in) {
		return
	}
	inst, err := h.registry.Register(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, inst)
}

// ListInstances handles GET /api/instances
func (h *AdminHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, list)
}

// GetInstance handles GET /api/instances/{id}
func (h *AdminHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := h.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, inst)
}

// ReconfigureInstance handles PUT /api/instances/{id}
func (h *AdminHandler) ReconfigureInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Credential string `json:"credential"`
		HostURL    string `json:"host_url"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	inst, err := h.registry.Reconfigure(r.Context(), id, body.Credential, body.HostURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, inst)
}

// SetPrimary handles POST /api/instances/{id}/primary
func (h *AdminHandler) SetPrimary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		OwnerID int64 `json:"owner_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.OwnerID <= 0 {
		writeBadRequest(w, r, "owner_id is required")
		return
	}
	if err := h.registry.SetPrimary(r.Context(), body.OwnerID, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]int64{"owner_id": body.OwnerID, "instance_id": id})
}

// MigrateIdentifier handles POST /api/instances/{id}/identifier
func (h *AdminHandler) MigrateIdentifier(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Identifier string `json:"identifier"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.registry.MigrateIdentifier(r.Context(), id, body.Identifier); err != nil {
		writeError(w, r, err)
		return
	}
	inst, err := h.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, inst)
}

// ============================================================================
// Queue
// ============================================================================

// Enqueue handles POST /api/messages
func (h *AdminHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req services.EnqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.queue.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, msg)
}

// GetMessage handles GET /api/messages/{id}
func (h *AdminHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	msg, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, msg)
}

// ============================================================================
// Auto-reply rules
// ============================================================================

// CreateRule handles POST /api/rules
func (h *AdminHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var in services.RuleInput
	if !decodeJSON(w, r, &in) {
		return
	}
	rule, err := h.replies.CreateRule(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, rule)
}

// ListRules handles GET /api/rules
func (h *AdminHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.replies.ListRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, rules)
}

// GetRule handles GET /api/rules/{id}
func (h *AdminHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rule, err := h.replies.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, rule)
}

// UpdateRule handles PUT /api/rules/{id}
func (h *AdminHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in services.RuleInput
	if !decodeJSON(w, r, &in) {
		return
	}
	rule, err := h.replies.UpdateRule(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, rule)
}

type switchRequest struct {
	Reason string `json:"reason"`
	By     string `json:"by"`
}

// PauseReplies handles POST /api/autoreply/pause
func (h *AdminHandler) PauseReplies(w http.ResponseWriter, r *http.Request) {
	var body switchRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}
	if body.By == "" {
		body.By = "admin"
	}
	h.sw.Pause(body.Reason, body.By)
	writeSuccess(w, r, http.StatusOK, h.sw.Status())
}

// ResumeReplies handles POST /api/autoreply/resume
func (h *AdminHandler) ResumeReplies(w http.ResponseWriter, r *http.Request) {
	var body switchRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}
	if body.By == "" {
		body.By = "admin"
	}
	h.sw.Resume(body.By)
	writeSuccess(w, r, http.StatusOK, h.sw.Status())
}

// ReplyStatus handles GET /api/autoreply/status
func (h *AdminHandler) ReplyStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, h.sw.Status())
}

// ============================================================================
// Campaigns
// ============================================================================

// DispatchCampaign handles POST /api/campaigns
func (h *AdminHandler) DispatchCampaign(w http.ResponseWriter, r *http.Request) {
	var req services.DispatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.campaigns.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, c)
}

// GetCampaign handles GET /api/campaigns/{id}
func (h *AdminHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, c)
}

// ============================================================================
// System Health & Metrics
// ============================================================================

// SystemMetricsResponse represents host health data
type SystemMetricsResponse struct {
	CPUPercent        float64 `json:"cpu_percent"`
	RAMUsedGB         float64 `json:"ram_used_gb"`
	RAMTotalGB        float64 `json:"ram_total_gb"`
	RAMPercent        float64 `json:"ram_percent"`
	DiskUsedGB        float64 `json:"disk_used_gb"`
	DiskTotalGB       float64 `json:"disk_total_gb"`
	DiskPercent       float64 `json:"disk_percent"`
	GoroutinesCount   int     `json:"goroutines_count"`
	WatchdogActive    bool    `json:"watchdog_active"`
	WatchdogThreshold float64 `json:"watchdog_threshold"`
	DiskWarningLevel  string  `json:"disk_warning_level"` // "safe" | "warning" | "critical"
}

// GetSystemMetrics handles GET /api/system/metrics
func (h *AdminHandler) GetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const gb = 1024 * 1024 * 1024

	var resp SystemMetricsResponse

	// Short sample keeps the endpoint responsive
	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		resp.CPUPercent = roundTo2Decimals(pcts[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.RAMUsedGB = roundTo2Decimals(float64(vm.Used) / gb)
		resp.RAMTotalGB = roundTo2Decimals(float64(vm.Total) / gb)
		resp.RAMPercent = roundTo2Decimals(vm.UsedPercent)
	}
	if du, err := disk.UsageWithContext(ctx, h.diskPath); err == nil {
		resp.DiskUsedGB = roundTo2Decimals(float64(du.Used) / gb)
		resp.DiskTotalGB = roundTo2Decimals(float64(du.Total) / gb)
		resp.DiskPercent = roundTo2Decimals(du.UsedPercent)
	}

	resp.GoroutinesCount = runtime.NumGoroutine()
	resp.WatchdogThreshold = h.watchdogThreshold
	resp.WatchdogActive = resp.DiskPercent >= h.watchdogThreshold
	resp.DiskWarningLevel = diskWarningLevel(resp.DiskPercent, h.watchdogThreshold)

	writeSuccess(w, r, http.StatusOK, resp)
}

// GetStatus handles GET /api/status
func (h *AdminHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]interface{}{
		"online":           true,
		"uptime":           formatDuration(time.Since(h.startedAt)),
		"autoreply_paused": h.sw.IsPaused(),
	})
}

func diskWarningLevel(percent, threshold float64) string {
	switch {
	case percent < threshold:
		return "safe"
	case percent < threshold+10:
		return "warning"
	default:
		return "critical"
	}
}

func roundTo2Decimals(val float64) float64 {
	return float64(int64(val*100+0.5)) / 100
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return strconv.Itoa(h) + "h" + strconv.Itoa(m) + "m" + strconv.Itoa(s) + "s"
}
