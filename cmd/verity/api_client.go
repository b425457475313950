package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"verity/internal/config"
	"verity/internal/daemon"
	"verity/internal/detector"
)

// errDaemonUnavailable signals that the daemon API could not be reached, so
// commands may fall back to direct queue access.
var errDaemonUnavailable = errors.New("daemon API unavailable")

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	if host, port, err := net.SplitHostPort(bind); err == nil && host == "" {
		bind = net.JoinHostPort("127.0.0.1", port)
	}
	return &apiClient{
		base: "http://" + bind,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiJob struct {
	ID              int64   `json:"id"`
	SourcePath      string  `json:"source_path"`
	Title           string  `json:"title"`
	Status          string  `json:"status"`
	FrameCount      int     `json:"frame_count"`
	SampledFrames   int     `json:"sampled_frames"`
	ProgressStage   string  `json:"progress_stage"`
	ProgressPercent float64 `json:"progress_percent"`
	ProgressMessage string  `json:"progress_message"`
	ErrorMessage    string  `json:"error_message"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func (c *apiClient) status(ctx context.Context) (daemon.Status, error) {
	var status daemon.Status
	if err := c.get(ctx, "/api/status", &status); err != nil {
		return daemon.Status{}, err
	}
	return status, nil
}

func (c *apiClient) submit(ctx context.Context, path string, frameCount int) (apiJob, error) {
	payload, err := json.Marshal(map[string]any{
		"path":        path,
		"frame_count": frameCount,
	})
	if err != nil {
		return apiJob{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/queue", bytes.NewReader(payload))
	if err != nil {
		return apiJob{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apiJob{}, errDaemonUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return apiJob{}, apiError(resp)
	}
	var job apiJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return apiJob{}, fmt.Errorf("decode submit response: %w", err)
	}
	return job, nil
}

func (c *apiClient) fetch(ctx context.Context, id int64) (apiJob, *detector.Result, error) {
	var payload struct {
		Job    apiJob           `json:"job"`
		Result *detector.Result `json:"result"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/queue/%d", id), &payload); err != nil {
		return apiJob{}, nil, err
	}
	return payload.Job, payload.Result, nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errDaemonUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wrapped struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != "" {
		return fmt.Errorf("daemon API: %s (status %d)", wrapped.Error, resp.StatusCode)
	}
	return fmt.Errorf("daemon API returned status %d", resp.StatusCode)
}
