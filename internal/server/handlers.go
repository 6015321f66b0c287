package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/ingest"
	"git.home.luguber.info/inful/reviewd/internal/report"
	"git.home.luguber.info/inful/reviewd/internal/store"
)

// maxWebhookBody caps webhook payload reads. Platform pushes stay well
// below this.
const maxWebhookBody = 4 << 20

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}

	platform := config.Platform(r.PathValue("platform"))
	switch platform {
	case "", config.PlatformGitLab, config.PlatformGitea, config.PlatformGitHub:
	default:
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}

	result, err := s.webhook.Process(r.Context(), platform, r.Header, body)
	switch {
	case errors.Is(err, ingest.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, "signature verification failed")
	case errors.Is(err, ingest.ErrBadPayload):
		writeError(w, http.StatusBadRequest, "malformed payload")
	case err != nil:
		s.log.Error("webhook processing", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
	default:
		_ = writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	if err := s.poller.Start(); err != nil {
		s.log.Error("start poller", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start polling")
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	if err := s.poller.Stop(); err != nil {
		s.log.Error("stop poller", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to stop polling")
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

func (s *Server) handlePollingStatus(w http.ResponseWriter, r *http.Request) {
	repos := s.poller.Status()
	_ = writeJSONPretty(w, r, http.StatusOK, map[string]any{
		"running":     s.poller.Running(),
		"repo_count":  len(repos),
		"queue_depth": s.engine.QueueDepth(),
	})
}

func (s *Server) handlePollingRepos(w http.ResponseWriter, r *http.Request) {
	_ = writeJSONPretty(w, r, http.StatusOK, s.poller.Status())
}

func (s *Server) handlePollingTrigger(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("repo_id")
	var req struct {
		Strategy store.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch req.Strategy {
	case store.StrategyCommit, store.StrategyMergeRequest:
	default:
		writeError(w, http.StatusBadRequest, "strategy must be commit or merge_request")
		return
	}

	task, err := s.poller.TriggerNow(r.Context(), repoID, req.Strategy)
	switch {
	case errors.Is(err, store.ErrDuplicateTask):
		_ = writeJSON(w, http.StatusOK, ingest.Result{Status: ingest.StatusDuplicate})
	case err != nil:
		s.log.Warn("manual poll trigger", "repo", repoID, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case task == nil:
		_ = writeJSON(w, http.StatusOK, ingest.Result{Status: ingest.StatusIgnored, Reason: "nothing new"})
	default:
		_ = writeJSON(w, http.StatusOK, ingest.Result{Status: ingest.StatusQueued, TaskID: task.ID})
	}
}

func (s *Server) handleReviewStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTaskFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.st.Stats(r.Context(), filter.Since, filter.Until)
	if err != nil {
		s.log.Error("compute review stats", "error", err)
		writeError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	tasks, err := s.st.QueryTasks(r.Context(), filter)
	if err != nil {
		s.log.Error("query review tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "task query failed")
		return
	}

	_ = writeJSONPretty(w, r, http.StatusOK, map[string]any{
		"stats": stats,
		"tasks": tasks,
	})
}

func (s *Server) handleReviewGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.st.GetTask(r.Context(), r.PathValue("task_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task query failed")
		return
	}
	_ = writeJSONPretty(w, r, http.StatusOK, task)
}

func (s *Server) handleReviewFull(w http.ResponseWriter, r *http.Request) {
	task, issues, err := s.st.GetFull(r.Context(), r.PathValue("task_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task query failed")
		return
	}
	_ = writeJSONPretty(w, r, http.StatusOK, map[string]any{
		"task":   task,
		"issues": issues,
	})
}

func (s *Server) handleReviewExport(w http.ResponseWriter, r *http.Request) {
	task, issues, err := s.st.GetFull(r.Context(), r.PathValue("task_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task query failed")
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, report.ExportMarkdown(task, issues))
	case "html":
		html, herr := report.ExportHTML(task, issues)
		if herr != nil {
			s.log.Error("render html export", "task_id", task.ID, "error", herr)
			writeError(w, http.StatusInternalServerError, "html rendering failed")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, html)
	default:
		writeError(w, http.StatusBadRequest, "format must be md or html")
	}
}

func (s *Server) handleReviewCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	err := s.engine.Cancel(r.Context(), taskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrTerminalTask):
		writeError(w, http.StatusConflict, "task already finished")
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		_ = writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": "cancelling"})
	}
}

func (s *Server) handleReviewDelete(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	err := s.st.DeleteTask(r.Context(), taskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "delete failed")
	default:
		_ = writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "deleted": true})
	}
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	settings, err := s.st.RedactedSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "settings query failed")
		return
	}
	_ = writeJSONPretty(w, r, http.StatusOK, settings)
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for k, v := range updates {
		if err := s.st.SetSetting(r.Context(), k, v); err != nil {
			s.log.Error("write setting", "key", k, "error", err)
			writeError(w, http.StatusInternalServerError, "settings write failed")
			return
		}
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"updated": len(updates)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"queue_depth":    s.engine.QueueDepth(),
		"workers_busy":   s.engine.WorkersBusy(),
		"polling":        s.poller.Running(),
	})
}

// parseTaskFilter reads the stats query parameters. Times are RFC 3339.
func parseTaskFilter(r *http.Request) (store.TaskFilter, error) {
	q := r.URL.Query()
	f := store.TaskFilter{
		RepoID:   q.Get("repo_id"),
		Strategy: store.Strategy(q.Get("strategy")),
		Status:   store.TaskStatus(q.Get("status")),
		Limit:    50,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be RFC 3339")
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("until must be RFC 3339")
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}
