package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"murmur/internal/config"
	"murmur/internal/journal"
	"murmur/internal/logging"
	"murmur/internal/registry"
)

const maxTaskIDLength = 128

type submitResponse struct {
	TaskID     string    `json:"task_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type statusResponse struct {
	TaskID      string              `json:"task_id"`
	State       registry.State      `json:"state"`
	SubmittedAt time.Time           `json:"submitted_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	Error       *registry.TaskError `json:"error,omitempty"`
}

type resultResponse struct {
	TaskID    string    `json:"task_id"`
	SRTSize   int64     `json:"srt_size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type poolFullResponse struct {
	Error string              `json:"error"`
	Pool  registry.PoolStatus `json:"pool"`
}

type historyView struct {
	TaskID     string         `json:"task_id"`
	Model      string         `json:"model"`
	State      registry.State `json:"state"`
	Submitted  time.Time      `json:"submitted_at"`
	Finished   *time.Time     `json:"finished_at,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	ResultSize int64          `json:"srt_size,omitempty"`
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   s.daemon.reg.PoolView(),
	})
}

func (s *apiServer) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.reg.PoolView())
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	liveCounts := make(map[string]int)
	for state, count := range s.daemon.reg.CountsByState() {
		liveCounts[string(state)] = count
	}

	historyCounts := make(map[string]int)
	if stats, err := s.daemon.journal.Stats(r.Context()); err == nil {
		for state, count := range stats {
			historyCounts[string(state)] = count
		}
	} else {
		s.logger.Warn("journal stats failed", logging.Error(err))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"pool":           s.daemon.reg.PoolView(),
		"task_counts":    liveCounts,
		"history_counts": historyCounts,
	})
}

func (s *apiServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	live := s.daemon.reg.Tasks()
	views := make([]statusResponse, 0, len(live))
	for _, task := range live {
		views = append(views, statusView(task))
	}

	var history []historyView
	entries, err := s.daemon.journal.List(r.Context(), 50)
	if err != nil {
		s.logger.Warn("journal list failed", logging.Error(err))
	}
	for _, entry := range entries {
		history = append(history, historyViewOf(entry))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks":   views,
		"history": history,
	})
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.daemon.cfg.MaxUploadBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "parse multipart form: "+err.Error())
		return
	}

	taskID := strings.TrimSpace(r.FormValue("task_id"))
	if err := validateTaskID(taskID); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	model := strings.TrimSpace(r.FormValue("model"))
	if model == "" {
		model = s.daemon.cfg.Transcriber.DefaultModel
	}
	if !config.KnownModel(model) {
		s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown model %q", model))
		return
	}

	if strings.TrimSpace(r.FormValue("password")) == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "password is required")
		return
	}

	file, _, err := bundleFile(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer file.Close()

	bundlePath, err := s.daemon.store.PutBundle(taskID, file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusBadRequest, "bad_request", "bundle exceeds upload limit")
			return
		}
		s.logger.Error("store inbound bundle failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal", "store bundle failed")
		return
	}

	now := time.Now()
	evicted, err := s.daemon.reg.Admit(taskID, model, bundlePath, now)
	if err != nil {
		if removeErr := s.daemon.store.RemoveBundle(bundlePath); removeErr != nil {
			s.logger.Warn("remove rejected bundle failed", logging.Error(removeErr))
		}
		switch {
		case errors.Is(err, registry.ErrConflict):
			s.writeError(w, http.StatusConflict, "conflict", "")
		case errors.Is(err, registry.ErrPoolFull):
			s.writeJSON(w, http.StatusTooManyRequests, poolFullResponse{
				Error: "pool_full",
				Pool:  s.daemon.reg.PoolView(),
			})
		default:
			s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	if evicted != nil {
		s.evictArtifacts(evicted)
	}

	if task, ok := s.daemon.reg.Status(taskID); ok {
		if err := s.daemon.journal.Record(r.Context(), task); err != nil {
			s.logger.Warn("journal record failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
		}
	}

	s.logger.Info("task admitted",
		logging.String(logging.FieldTaskID, taskID),
		logging.String(logging.FieldModel, model))
	s.writeJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID, AcceptedAt: now.UTC()})
}

func (s *apiServer) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	taskID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleTaskDelete(w, r, taskID)
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleTaskStatus(w, taskID)
	case len(parts) == 2 && parts[1] == "result" && r.Method == http.MethodGet:
		s.handleTaskResult(w, taskID)
	case len(parts) == 2 && parts[1] == "result" && r.Method == http.MethodDelete:
		s.handleResultDelete(w, r, taskID)
	case len(parts) == 3 && parts[1] == "result" && parts[2] == "download" && r.Method == http.MethodGet:
		s.handleResultDownload(w, taskID)
	default:
		s.writeError(w, http.StatusNotFound, "not_found", "")
	}
}

func (s *apiServer) handleTaskStatus(w http.ResponseWriter, taskID string) {
	task, ok := s.daemon.reg.Status(taskID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	s.writeJSON(w, http.StatusOK, statusView(task))
}

func (s *apiServer) handleTaskResult(w http.ResponseWriter, taskID string) {
	task, ok := s.daemon.reg.Status(taskID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	if task.State != registry.StateCompleted {
		s.writeError(w, http.StatusConflict, "not_completed", string(task.State))
		return
	}
	if task.Result == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "result expired or removed")
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{
		TaskID:    taskID,
		SRTSize:   task.Result.Size,
		CreatedAt: task.Result.CreatedAt,
		ExpiresAt: task.Result.ExpiresAt,
	})
}

func (s *apiServer) handleResultDownload(w http.ResponseWriter, taskID string) {
	task, ok := s.daemon.reg.Status(taskID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	if task.State != registry.StateCompleted {
		s.writeError(w, http.StatusConflict, "not_completed", string(task.State))
		return
	}
	if task.Result == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "result expired or removed")
		return
	}

	file, size, err := s.daemon.store.OpenResult(taskID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", "result file unavailable")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/x-subrip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", taskID+".srt"))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	if _, err := io.Copy(w, file); err != nil {
		s.logger.Warn("result download interrupted", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
	}
}

func (s *apiServer) handleResultDelete(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.daemon.store.RemoveResult(taskID); err != nil {
		s.logger.Warn("remove result failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
	}
	s.daemon.reg.ClearResult(taskID)
	if err := s.daemon.journal.ClearResult(r.Context(), taskID); err != nil {
		s.logger.Warn("clear journal result failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleTaskDelete(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := s.daemon.reg.Status(taskID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if task.State.Terminal() {
		if evicted, ok := s.daemon.reg.Evict(taskID); ok {
			s.evictArtifacts(evicted)
			if err := s.daemon.journal.Remove(r.Context(), taskID); err != nil {
				s.logger.Warn("remove journal row failed", logging.Error(err))
			}
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	cancelledNow, err := s.daemon.reg.Cancel(taskID, time.Now())
	if err != nil {
		s.writeError(w, http.StatusConflict, "state", err.Error())
		return
	}
	if cancelledNow {
		if err := s.daemon.store.RemoveBundle(task.BundlePath); err != nil {
			s.logger.Warn("remove cancelled bundle failed", logging.Error(err))
		}
		if updated, ok := s.daemon.reg.Status(taskID); ok {
			if err := s.daemon.journal.Record(r.Context(), updated); err != nil {
				s.logger.Warn("journal record failed", logging.Error(err))
			}
		}
	} else {
		// Task is processing: mark is set, interrupt the child.
		s.daemon.worker.SignalCancel(taskID)
	}
	s.logger.Info("cancellation requested", logging.String(logging.FieldTaskID, taskID))
	w.WriteHeader(http.StatusNoContent)
}

// evictArtifacts removes a replaced or deleted task's files. Never touches
// registry state.
func (s *apiServer) evictArtifacts(task *registry.Task) {
	if err := s.daemon.store.RemoveResult(task.ID); err != nil {
		s.logger.Warn("remove evicted result failed", logging.String(logging.FieldTaskID, task.ID), logging.Error(err))
	}
	if err := s.daemon.store.RemoveBundle(task.BundlePath); err != nil {
		s.logger.Warn("remove evicted bundle failed", logging.String(logging.FieldTaskID, task.ID), logging.Error(err))
	}
}

func bundleFile(r *http.Request) (io.ReadCloser, string, error) {
	for _, field := range []string{"task_file", "audio_file"} {
		file, header, err := r.FormFile(field)
		if err == nil {
			return file, header.Filename, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, "", fmt.Errorf("read %s field: %w", field, err)
		}
	}
	return nil, "", errors.New("task_file field is required")
}

func validateTaskID(taskID string) error {
	if taskID == "" {
		return errors.New("task_id is required")
	}
	if len(taskID) > maxTaskIDLength {
		return fmt.Errorf("task_id exceeds %d characters", maxTaskIDLength)
	}
	if taskID == "." || taskID == ".." {
		return errors.New("task_id is invalid")
	}
	for _, r := range taskID {
		if r < 0x21 || r > 0x7e {
			return errors.New("task_id must be printable ASCII without spaces")
		}
		if r == '/' || r == '\\' {
			return errors.New("task_id must not contain path separators")
		}
	}
	return nil
}

func statusView(task registry.Task) statusResponse {
	return statusResponse{
		TaskID:      task.ID,
		State:       task.State,
		SubmittedAt: task.SubmittedAt,
		StartedAt:   task.StartedAt,
		FinishedAt:  task.FinishedAt,
		Error:       task.Err,
	}
}

func historyViewOf(entry *journal.Entry) historyView {
	return historyView{
		TaskID:     entry.TaskID,
		Model:      entry.Model,
		State:      entry.State,
		Submitted:  entry.SubmittedAt,
		Finished:   entry.FinishedAt,
		ErrorCode:  entry.ErrorCode,
		ResultSize: entry.ResultSize,
	}
}
