package taskstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// HTTPProvider implements Provider against the kbeads HTTP/JSON REST API.
// Beads map onto tasks as: closed -> complete, in_progress -> started,
// open/blocked/deferred -> pending. "blocks" dependencies become BlockedBy.
type HTTPProvider struct {
	baseURL    string
	token      string
	actor      string
	httpClient *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request. actor is recorded as assignee/closer.
func NewHTTPProvider(baseURL, token, actor string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		actor:      actor,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// bead is the subset of the kbeads record the provider reads.
type bead struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
	Fields       json.RawMessage `json:"fields,omitempty"`
	Dependencies []*dependency   `json:"dependencies,omitempty"`
}

type dependency struct {
	BeadID      string `json:"bead_id"`
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
}

type beadList struct {
	Beads []*bead `json:"beads"`
	Total int     `json:"total"`
}

// graphStats mirrors GET /v1/stats.
type graphStats struct {
	TotalOpen       int `json:"total_open"`
	TotalInProgress int `json:"total_in_progress"`
	TotalBlocked    int `json:"total_blocked"`
	TotalClosed     int `json:"total_closed"`
	TotalDeferred   int `json:"total_deferred"`
}

const (
	beadStatusInProgress = "in_progress"
	beadStatusClosed     = "closed"
	depBlocks            = "blocks"
)

func (b *bead) toTask() *model.Task {
	t := &model.Task{
		ID:          b.ID,
		Name:        b.Title,
		Description: b.Description,
		Priority:    b.Priority,
		Completed:   b.Status == beadStatusClosed,
		Metadata:    b.Fields,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		CompletedAt: b.ClosedAt,
	}
	// kbeads has no start timestamp; the last update of an in-progress or
	// closed bead is the closest available value.
	if b.Status == beadStatusInProgress || b.Status == beadStatusClosed {
		started := b.UpdatedAt
		t.StartedAt = &started
	}
	for _, d := range b.Dependencies {
		if d.Type == depBlocks && d.BeadID == b.ID {
			t.BlockedBy = append(t.BlockedBy, d.DependsOnID)
		}
	}
	return t
}

func (p *HTTPProvider) IsAvailable(ctx context.Context) bool {
	var resp struct {
		Status string `json:"status"`
	}
	if err := p.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return false
	}
	return resp.Status == "ok"
}

func (p *HTTPProvider) Status(ctx context.Context) (*model.StatusSnapshot, error) {
	var stats graphStats
	if err := p.doJSON(ctx, http.MethodGet, "/v1/stats", nil, &stats); err != nil {
		return nil, &BackendError{Op: "status", Err: err}
	}

	inProgress, err := p.list(ctx, "status=in_progress&sort=priority")
	if err != nil {
		return nil, &BackendError{Op: "status", Err: err}
	}
	ready, err := p.ListReady(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := p.list(ctx, "status=open,blocked,deferred&sort=priority")
	if err != nil {
		return nil, &BackendError{Op: "status", Err: err}
	}
	recent, err := p.list(ctx, "status=closed&sort=-updated_at&limit=5")
	if err != nil {
		return nil, &BackendError{Op: "status", Err: err}
	}

	readyIDs := make(map[string]bool, len(ready))
	for _, t := range ready {
		readyIDs[t.ID] = true
	}
	blocked := []*model.Task{}
	for _, t := range pending {
		if !readyIDs[t.ID] {
			blocked = append(blocked, t)
		}
	}

	pendingCount := stats.TotalOpen + stats.TotalBlocked + stats.TotalDeferred
	snap := &model.StatusSnapshot{
		Stats: model.Stats{
			Total:      pendingCount + stats.TotalInProgress + stats.TotalClosed,
			Pending:    pendingCount,
			InProgress: stats.TotalInProgress,
			Completed:  stats.TotalClosed,
			Ready:      len(ready),
			Blocked:    max(pendingCount-len(ready), 0),
		},
		InProgress:        inProgress,
		Ready:             ready,
		Blocked:           blocked,
		RecentlyCompleted: recent,
	}
	return snap, nil
}

func (p *HTTPProvider) ListReady(ctx context.Context) ([]*model.Task, error) {
	var resp beadList
	if err := p.doJSON(ctx, http.MethodGet, "/v1/ready", nil, &resp); err != nil {
		return nil, &BackendError{Op: "list", Err: err}
	}
	tasks := make([]*model.Task, 0, len(resp.Beads))
	for _, b := range resp.Beads {
		tasks = append(tasks, b.toTask())
	}
	return tasks, nil
}

func (p *HTTPProvider) Show(ctx context.Context, id string) (*model.TaskDetails, error) {
	t, err := p.get(ctx, id)
	if err != nil {
		return nil, err
	}
	isComplete := func(blocker string) bool {
		bt, err := p.get(ctx, blocker)
		return err == nil && bt.Completed
	}
	open := OpenBlockers(t, isComplete)
	return &model.TaskDetails{
		Task:         *t,
		Ready:        !t.Completed && !t.Started() && len(open) == 0,
		OpenBlockers: open,
	}, nil
}

func (p *HTTPProvider) Start(ctx context.Context, id string) error {
	t, err := p.get(ctx, id)
	if err != nil {
		return err
	}
	if t.Completed {
		return fmt.Errorf("start %s: %w", id, ErrAlreadyCompleted)
	}
	if t.Started() {
		return fmt.Errorf("start %s: %w", id, ErrAlreadyStarted)
	}
	body := map[string]string{"status": beadStatusInProgress}
	if p.actor != "" {
		body["assignee"] = p.actor
	}
	if err := p.doJSON(ctx, http.MethodPatch, "/v1/beads/"+url.PathEscape(id), body, nil); err != nil {
		return &BackendError{Op: "start", Err: err}
	}
	return nil
}

func (p *HTTPProvider) Complete(ctx context.Context, id, result string) error {
	t, err := p.get(ctx, id)
	if err != nil {
		return err
	}
	if t.Completed {
		return fmt.Errorf("complete %s: %w", id, ErrAlreadyCompleted)
	}
	if result != "" {
		comment := map[string]string{"author": p.actor, "text": result}
		if err := p.doJSON(ctx, http.MethodPost, "/v1/beads/"+url.PathEscape(id)+"/comments", comment, nil); err != nil {
			return &BackendError{Op: "complete", Err: err}
		}
	}
	body := map[string]string{}
	if p.actor != "" {
		body["closed_by"] = p.actor
	}
	if err := p.doJSON(ctx, http.MethodPost, "/v1/beads/"+url.PathEscape(id)+"/close", body, nil); err != nil {
		return &BackendError{Op: "complete", Err: err}
	}
	return nil
}

func (p *HTTPProvider) get(ctx context.Context, id string) (*model.Task, error) {
	var b bead
	err := p.doJSON(ctx, http.MethodGet, "/v1/beads/"+url.PathEscape(id), nil, &b)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("show %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &BackendError{Op: "show", Err: err}
	}
	return b.toTask(), nil
}

func (p *HTTPProvider) list(ctx context.Context, query string) ([]*model.Task, error) {
	var resp beadList
	if err := p.doJSON(ctx, http.MethodGet, "/v1/beads?"+query, nil, &resp); err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(resp.Beads))
	for _, b := range resp.Beads {
		tasks = append(tasks, b.toTask())
	}
	return tasks, nil
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (p *HTTPProvider) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
