package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"murmur/internal/registry"
)

// Submission outcomes the pipeline reacts to.
var (
	ErrPoolFull = errors.New("client: server pool is full")
	ErrConflict = errors.New("client: task id already in flight")
	ErrNotFound = errors.New("client: task not found")
	ErrNotReady = errors.New("client: result not ready")
)

// API is a thin client for the murmurd HTTP surface.
type API struct {
	baseURL string
	httpc   *http.Client
}

// NewAPI builds a client for the given server base URL.
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: baseURL,
		httpc:   &http.Client{},
	}
}

// TaskStatus mirrors the status endpoint payload.
type TaskStatus struct {
	TaskID      string              `json:"task_id"`
	State       registry.State      `json:"state"`
	SubmittedAt time.Time           `json:"submitted_at"`
	StartedAt   *time.Time          `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at"`
	Error       *registry.TaskError `json:"error"`
}

// TaskResult mirrors the result metadata payload.
type TaskResult struct {
	TaskID    string    `json:"task_id"`
	SRTSize   int64     `json:"srt_size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Health verifies the server responds on its liveness endpoint.
func (a *API) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := a.get(ctx, "/health")
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// PoolStatus fetches the server's admission view.
func (a *API) PoolStatus(ctx context.Context) (registry.PoolStatus, error) {
	var pool registry.PoolStatus
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := a.get(ctx, "/pool/status")
	if err != nil {
		return pool, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return pool, fmt.Errorf("pool status: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&pool); err != nil {
		return pool, fmt.Errorf("pool status: decode: %w", err)
	}
	return pool, nil
}

// Submit uploads a bundle. ErrPoolFull and ErrConflict map the 429 and 409
// responses so the pipeline can back off or skip.
func (a *API) Submit(ctx context.Context, taskID, model, password, bundlePath string) error {
	file, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("task_id", taskID); err != nil {
		return fmt.Errorf("build form: %w", err)
	}
	if model != "" {
		if err := form.WriteField("model", model); err != nil {
			return fmt.Errorf("build form: %w", err)
		}
	}
	if err := form.WriteField("password", password); err != nil {
		return fmt.Errorf("build form: %w", err)
	}
	part, err := form.CreateFormFile("task_file", taskID+".bundle")
	if err != nil {
		return fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy bundle into form: %w", err)
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("finalize form: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/tasks/submit", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := a.httpc.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusTooManyRequests:
		return ErrPoolFull
	case http.StatusConflict:
		return ErrConflict
	default:
		return fmt.Errorf("submit: %s", errorDetail(resp))
	}
}

// Status fetches a task's current state.
func (a *API) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	var status TaskStatus
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := a.get(ctx, "/tasks/"+taskID+"/status")
	if err != nil {
		return status, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return status, ErrNotFound
	default:
		return status, fmt.Errorf("task status: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("task status: decode: %w", err)
	}
	return status, nil
}

// Result fetches result metadata. ErrNotReady maps the 409 returned while
// the task has not completed.
func (a *API) Result(ctx context.Context, taskID string) (TaskResult, error) {
	var result TaskResult
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := a.get(ctx, "/tasks/"+taskID+"/result")
	if err != nil {
		return result, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return result, ErrNotReady
	case http.StatusNotFound:
		return result, ErrNotFound
	default:
		return result, fmt.Errorf("task result: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("task result: decode: %w", err)
	}
	return result, nil
}

// Download retrieves the subtitle bytes for a completed task.
func (a *API) Download(ctx context.Context, taskID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	resp, err := a.get(ctx, "/tasks/"+taskID+"/result/download")
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return nil, ErrNotReady
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download: read body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("download: empty subtitle body")
	}
	return data, nil
}

// HistoryEntry mirrors one row of the server's persisted task history.
type HistoryEntry struct {
	TaskID    string         `json:"task_id"`
	Model     string         `json:"model"`
	State     registry.State `json:"state"`
	Submitted time.Time      `json:"submitted_at"`
	Finished  *time.Time     `json:"finished_at"`
	ErrorCode string         `json:"error_code"`
	SRTSize   int64          `json:"srt_size"`
}

// TaskListing mirrors the task listing endpoint payload.
type TaskListing struct {
	Tasks   []TaskStatus   `json:"tasks"`
	History []HistoryEntry `json:"history"`
}

// Tasks fetches the live task list plus persisted history.
func (a *API) Tasks(ctx context.Context) (TaskListing, error) {
	var listing TaskListing
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := a.get(ctx, "/tasks")
	if err != nil {
		return listing, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return listing, fmt.Errorf("list tasks: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return listing, fmt.Errorf("list tasks: decode: %w", err)
	}
	return listing, nil
}

// Cancel requests cancellation or eviction of a task.
func (a *API) Cancel(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("cancel: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (a *API) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return a.httpc.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func errorDetail(resp *http.Response) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		if payload.Detail != "" {
			return fmt.Sprintf("%s (%s), status %d", payload.Error, payload.Detail, resp.StatusCode)
		}
		return fmt.Sprintf("%s, status %d", payload.Error, resp.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d", resp.StatusCode)
}
