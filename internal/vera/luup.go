package vera

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// veraPort is the MiCasaVerde LUUP HTTP port (spec.md §4.9). The retrieved
// original source hardcodes 49451, an older UI5-era default; spec.md's
// response-table and example requests are all against 3480, the port every
// current Vera/MiOS controller actually listens on, so 3480 is what
// internal/vera dials — see DESIGN.md's Open Question decisions.
const veraPort = 3480

const (
	doorLockServiceID      = "urn:micasaverde-com:serviceId:DoorLock1"
	doorLockStatusVariable = "Status"
	doorLockCategoryName   = "Door lock"
)

type sdataResponse struct {
	Rooms      []roomInfo   `json:"rooms"`
	Categories []catInfo    `json:"categories"`
	Devices    []deviceInfo `json:"devices"`
}

type roomInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type catInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type deviceInfo struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Room     int    `json:"room"`
	Category int    `json:"category"`
	// Status carries the device's sdata-reported binary state (0/1), used
	// only to seed the poll loop's last-known-locked baseline at startup.
	Status int `json:"status"`
}

type statusResponse struct {
	Devices []statusDevice `json:"devices"`
}

type statusDevice struct {
	ID   int               `json:"id"`
	Jobs []json.RawMessage `json:"Jobs"`
}

func (g *Gateway) luupURL(id string, params url.Values) string {
	u := fmt.Sprintf("http://%s:%d/data_request?id=%s&output_format=json", g.cfg.Host, veraPort, id)
	if len(params) > 0 {
		u += "&" + params.Encode()
	}
	return u
}

func (g *Gateway) luupGet(ctx context.Context, id string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.luupURL(id, params), nil)
	if err != nil {
		return nil, fmt.Errorf("vera: build %s request: %w", id, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vera: %s request: %w", id, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vera: reading %s response: %w", id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vera: %s request returned status %s", id, resp.Status)
	}
	return body, nil
}

func (g *Gateway) luupSdata(ctx context.Context) (*sdataResponse, error) {
	body, err := g.luupGet(ctx, "sdata", nil)
	if err != nil {
		return nil, err
	}
	var sd sdataResponse
	if err := json.Unmarshal(body, &sd); err != nil {
		return nil, fmt.Errorf("vera: decoding sdata: %w", err)
	}
	return &sd, nil
}

// GetLevel reads the door lock's current Status variable directly from the
// controller (spec.md §4.9's "no push channel, every read is a live poll").
func (g *Gateway) GetLevel(ctx context.Context, veraID int) (bool, error) {
	params := url.Values{
		"DeviceNum": {strconv.Itoa(veraID)},
		"serviceId": {doorLockServiceID},
		"Variable":  {doorLockStatusVariable},
	}
	body, err := g.luupGet(ctx, "variableget", params)
	if err != nil {
		return false, err
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return false, fmt.Errorf("vera: decoding variableget response: %w", err)
	}
	return toBool(raw), nil
}

// SetLevel issues the DoorLock1 SetTarget action.
func (g *Gateway) SetLevel(ctx context.Context, veraID int, locked bool) error {
	target := "0"
	if locked {
		target = "1"
	}
	params := url.Values{
		"DeviceNum":      {strconv.Itoa(veraID)},
		"serviceId":      {doorLockServiceID},
		"action":         {"SetTarget"},
		"newTargetValue": {target},
	}
	_, err := g.luupGet(ctx, "action", params)
	return err
}

// IsPending reports whether the controller has an in-progress job queued
// against this device (spec.md §4.9's "pending" state).
func (g *Gateway) IsPending(ctx context.Context, veraID int) (bool, error) {
	body, err := g.luupGet(ctx, "status", nil)
	if err != nil {
		return false, err
	}
	var st statusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return false, fmt.Errorf("vera: decoding status response: %w", err)
	}
	for _, d := range st.Devices {
		if d.ID == veraID {
			return len(d.Jobs) > 0, nil
		}
	}
	return false, nil
}

// toBool interprets a LUUP variableget value, which output_format=json
// encodes as either a bare JSON number or a numeric string depending on
// controller firmware.
func toBool(raw any) bool {
	switch v := raw.(type) {
	case float64:
		return v != 0
	case string:
		return v == "1"
	default:
		return false
	}
}
