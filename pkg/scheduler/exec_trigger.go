package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPTrigger dispatches task execution to the worker endpoint with a POST.
// The call is fire-and-forget from the scheduler's perspective: the worker
// runs the task out of band and the scheduler observes completion only by
// polling task status. The response status string feeds step mode's
// immediate pass/fail classification and nothing else.
type HTTPTrigger struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPTrigger creates a trigger for the worker endpoint.
func NewHTTPTrigger(endpoint string) *HTTPTrigger {
	return &HTTPTrigger{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Trigger implements ExecTrigger.
func (t *HTTPTrigger) Trigger(ctx context.Context, taskID string) (string, error) {
	body := fmt.Sprintf(`{"task_id":%q}`, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("trigger task %s: %w", taskID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("trigger task %s: status %d", taskID, resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Worker accepted the dispatch but returned no parseable status;
		// polling will observe the real outcome.
		return "accepted", nil
	}
	return out.Status, nil
}
