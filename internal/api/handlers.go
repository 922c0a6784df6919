package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"

	"remedy-engine/internal/audit"
	"remedy-engine/internal/guardian"
	"remedy-engine/internal/memory"
	"remedy-engine/internal/orchestrator"
	"remedy-engine/internal/patterns"
	"remedy-engine/internal/prober"
	"remedy-engine/internal/storage"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// Prober runs the pre-flight checks for POST /probe.
type Prober interface {
	Run(ctx context.Context, root string) *prober.Report
}

// Deployer runs the pipeline for POST /deploy.
type Deployer interface {
	RunFullDeploy(ctx context.Context, root, buildCmd, startCmd string) *orchestrator.DeployResult
}

// AuditStore is the durable audit table.
type AuditStore interface {
	ListAudit(ctx context.Context, filter storage.AuditFilter) ([]storage.AuditRow, error)
	Healthy(ctx context.Context) bool
}

// Deps are the engine components the admin surface exposes. Nil members
// make their endpoints answer 503.
type Deps struct {
	Memory   *memory.Memory
	Library  *patterns.Library
	History  *audit.History
	DB       AuditStore
	Guardian *guardian.Guardian
	Prober   Prober
	Deployer Deployer
	Sink     audit.Sink

	// Defaults for probe and deploy requests that leave fields empty.
	DefaultRoot  string
	DefaultBuild string
	DefaultStart string
}

type Handlers struct {
	deps Deps
}

func NewHandlers(deps Deps) *Handlers {
	if deps.Sink == nil {
		deps.Sink = audit.Nop{}
	}
	return &Handlers{deps: deps}
}

func (h *Handlers) HandleMemory(w http.ResponseWriter, r *http.Request) {
	if h.deps.Memory == nil {
		writeError(w, "repair memory not configured", "MEMORY_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, MemoryResponse{
		Stats:   h.deps.Memory.Stats(),
		Entries: h.deps.Memory.Entries(),
	})
}

func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.deps.Memory == nil {
		writeError(w, "repair memory not configured", "MEMORY_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Memory.Snapshot())
}

// HandleMergeSnapshot folds an exported snapshot into repair memory.
func (h *Handlers) HandleMergeSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.deps.Memory == nil {
		writeError(w, "repair memory not configured", "MEMORY_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	var entries map[string]memory.Entry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	merged, err := h.deps.Memory.Merge(entries)
	resp := MergeResponse{Merged: merged, Entries: h.deps.Memory.Stats().Entries}
	details := adminDetails(r)
	details["merged"] = merged
	if err != nil {
		resp.Error = err.Error()
		details["error"] = err.Error()
		log.Error().Err(err).Int("merged", merged).Msg("snapshot merge persisted partially")
	}
	h.deps.Sink.Append(audit.NewRecord(audit.PhaseMemory, "merge", details))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandlePatterns(w http.ResponseWriter, r *http.Request) {
	if h.deps.Library == nil {
		writeError(w, "pattern library not configured", "PATTERNS_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Library.Patterns())
}

// HandleAudit returns recent audit records, newest first. durable=true reads
// the database instead of the in-process history.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultAuditLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		limit = min(n, maxAuditLimit)
	}

	if q.Get("durable") == "true" {
		if h.deps.DB == nil {
			writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
			return
		}
		rows, err := h.deps.DB.ListAudit(r.Context(), storage.AuditFilter{
			Phase:  q.Get("phase"),
			Action: q.Get("action"),
			Limit:  limit,
		})
		if err != nil {
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("audit query failed")
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		writeJSON(w, http.StatusOK, AuditResponse{Source: "database", Records: rows})
		return
	}

	if h.deps.History == nil {
		writeError(w, "audit history not configured", "AUDIT_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	phase := q.Get("phase")
	if phase == "" {
		writeJSON(w, http.StatusOK, AuditResponse{Source: "memory", Records: h.deps.History.Recent(limit)})
		return
	}
	records := make([]audit.Record, 0, limit)
	for _, rec := range h.deps.History.Recent(0) {
		if rec.Phase == phase {
			records = append(records, rec)
			if len(records) == limit {
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Source: "memory", Records: records})
}

func (h *Handlers) HandleMonitors(w http.ResponseWriter, r *http.Request) {
	g := h.deps.Guardian
	if g == nil {
		writeError(w, "guardian not configured", "GUARDIAN_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, MonitorsResponse{
		Running:       g.Running(),
		MinIntervalMs: g.MinInterval().Milliseconds(),
		Monitors:      g.Statuses(),
	})
}

func (h *Handlers) HandleRunMonitor(w http.ResponseWriter, r *http.Request) {
	g := h.deps.Guardian
	if g == nil {
		writeError(w, "guardian not configured", "GUARDIAN_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	name := r.PathValue("name")
	res, err := g.RunNow(r.Context(), name)
	if err != nil {
		h.writeGuardianError(w, err, r)
		return
	}
	st, _ := g.Status(name)
	details := adminDetails(r)
	details["monitor"] = name
	details["healthy"] = res.Healthy
	h.deps.Sink.Append(audit.NewRecord(audit.PhaseAdmin, "run_monitor", details))
	writeJSON(w, http.StatusOK, RunMonitorResponse{Name: name, Result: res, Status: st})
}

func (h *Handlers) HandleSetInterval(w http.ResponseWriter, r *http.Request) {
	g := h.deps.Guardian
	if g == nil {
		writeError(w, "guardian not configured", "GUARDIAN_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	var req IntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	name := r.PathValue("name")
	if err := g.SetInterval(name, req.Interval.Duration); err != nil {
		h.writeGuardianError(w, err, r)
		return
	}
	st, _ := g.Status(name)
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) writeGuardianError(w http.ResponseWriter, err error, r *http.Request) {
	switch {
	case errors.Is(err, guardian.ErrUnknownMonitor):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, guardian.ErrIntervalTooShort):
		writeError(w, err.Error(), "INTERVAL_TOO_SHORT", http.StatusBadRequest, r)
	default:
		writeError(w, err.Error(), "INTERNAL", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleProbe(w http.ResponseWriter, r *http.Request) {
	if h.deps.Prober == nil {
		writeError(w, "prober not configured", "PROBER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	var req ProbeRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	root, err := h.resolveRoot(req.Root)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Prober.Run(r.Context(), root))
}

// HandleDeploy answers 200 for a deploy that reached the running stage and
// 422 for one stopped by the probe or the build; both carry the result.
func (h *Handlers) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	if h.deps.Deployer == nil {
		writeError(w, "deploy pipeline not configured", "DEPLOY_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	var req DeployRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	root, err := h.resolveRoot(req.Root)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.BuildCommand == "" {
		req.BuildCommand = h.deps.DefaultBuild
	}
	if req.StartCommand == "" {
		req.StartCommand = h.deps.DefaultStart
	}
	res := h.deps.Deployer.RunFullDeploy(r.Context(), root, req.BuildCommand, req.StartCommand)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// decodeOptional decodes a JSON body, treating an empty body as the zero
// request. It writes the error response and returns false on bad input.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

func (h *Handlers) resolveRoot(root string) (string, error) {
	if root == "" {
		root = h.deps.DefaultRoot
	}
	if root == "" {
		return "", errors.New("root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("root %s is not a directory", abs)
	}
	return abs, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
