// Package commands implements the stargatectl CLI commands: a thin client
// over internal/api's read-only JSON query surface.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// apiClient issues GET requests against a running stargate daemon's
// internal/api server and decodes the JSON response.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// deviceView mirrors internal/api's JSON device shape.
type deviceView struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	AreaID          int64    `json:"area_id"`
	AreaName        string   `json:"area_name"`
	DeviceClass     string   `json:"device_class"`
	DeviceType      string   `json:"device_type"`
	GatewayID       string   `json:"gateway_id"`
	GatewayDevID    string   `json:"gateway_dev_id"`
	PossibleStates  []string `json:"possible_states"`
	PossibleActions []string `json:"possible_actions"`
	CurrentStates   []string `json:"current_states"`
}

// areaView mirrors internal/api's JSON area shape.
type areaView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type areaDetailView struct {
	areaView
	Devices []deviceView `json:"devices"`
}

// event mirrors persistence.Event's unexported-tag-free JSON shape (it
// carries no `json:` tags, so Go's default exported-field-name encoding
// applies on both the server and this client).
type event struct {
	DeviceID  int64
	Code      int
	Level     int
	Timestamp time.Time
}

type timeInStateView struct {
	TruthySeconds float64 `json:"truthy_seconds"`
	FalsySeconds  float64 `json:"falsy_seconds"`
}

type reportView struct {
	Device        deviceView      `json:"device"`
	RecentEvents  []event         `json:"recent_events"`
	TimeInState   timeInStateView `json:"time_in_state"`
	ActionCount1h int             `json:"action_count_1h"`
}
