// Package api exposes Stargate's read-only HTTP query surface: devices,
// areas, and a per-device report assembling recent events, time-in-state,
// and action count. This is the external-interface boundary spec.md §6
// reserves for the browsing UI — no rendering or mutation lives here.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/persistence"
)

// recentEventCount bounds how many events /devices/{id}/report includes.
const recentEventCount = 20

// Server serves the read-only query API over the device model and
// persistence store.
type Server struct {
	logger *slog.Logger
	house  *devicemodel.House
	store  *persistence.Store
	router *mux.Router
}

// NewServer builds a Server with its routes registered.
func NewServer(logger *slog.Logger, house *devicemodel.House, store *persistence.Store) *Server {
	s := &Server{
		logger: logger.With(slog.String("component", "api")),
		house:  house,
		store:  store,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

// HTTPServer wraps Server in an *http.Server bound to addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) routes() {
	s.router.HandleFunc("/areas", s.listAreas).Methods(http.MethodGet)
	s.router.HandleFunc("/areas/{id}", s.getArea).Methods(http.MethodGet)
	s.router.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	s.router.HandleFunc("/devices/{id}", s.getDevice).Methods(http.MethodGet)
	s.router.HandleFunc("/devices/{id}/report", s.getDeviceReport).Methods(http.MethodGet)
}

// deviceView is the JSON shape for a device.
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

func toDeviceView(d devicemodel.Device) deviceView {
	states := d.PossibleStates()
	var current []string
	for _, st := range states {
		if d.IsInState(st) {
			current = append(current, st)
		}
	}
	return deviceView{
		ID:              d.ID(),
		Name:            d.Name(),
		AreaID:          d.Area().ID(),
		AreaName:        d.Area().Name(),
		DeviceClass:     d.DeviceClass(),
		DeviceType:      d.DeviceType(),
		GatewayID:       d.GatewayID(),
		GatewayDevID:    d.GatewayDevID(),
		PossibleStates:  states,
		PossibleActions: d.PossibleActions(),
		CurrentStates:   current,
	}
}

// areaView is the JSON shape for an area.
type areaView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func toAreaView(a *devicemodel.Area) areaView {
	return areaView{ID: a.ID(), Name: a.Name()}
}

func (s *Server) listAreas(w http.ResponseWriter, r *http.Request) {
	areas := s.house.AllAreas()
	out := make([]areaView, 0, len(areas))
	for _, a := range areas {
		out = append(out, toAreaView(a))
	}
	writeJSON(w, out)
}

func (s *Server) getArea(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	area, ok := s.house.GetAreaByID(id)
	if !ok {
		http.Error(w, "area not found", http.StatusNotFound)
		return
	}

	devices := area.GetDevicesFilteredBy(devicemodel.DeviceFilter{}, true)
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, toDeviceView(d))
	}

	writeJSON(w, struct {
		areaView
		Devices []deviceView `json:"devices"`
	}{toAreaView(area), views})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.house.AllDevices()
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceView(d))
	}
	writeJSON(w, out)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dev, ok := s.house.GetDeviceByID(id)
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	writeJSON(w, toDeviceView(dev))
}

// reportView assembles exactly the three persistence queries spec.md
// names as the per-device report: recent events, time spent in the truthy
// and falsy states, and how many actions have happened within a trailing
// window.
type reportView struct {
	Device        deviceView          `json:"device"`
	RecentEvents  []persistence.Event `json:"recent_events"`
	TimeInState   timeInState         `json:"time_in_state"`
	ActionCount1h int                 `json:"action_count_1h"`
}

type timeInState struct {
	TruthySeconds float64 `json:"truthy_seconds"`
	FalsySeconds  float64 `json:"falsy_seconds"`
}

func (s *Server) getDeviceReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dev, ok := s.house.GetDeviceByID(id)
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	ctx := r.Context()

	events, err := s.store.GetRecentEvents(ctx, id, recentEventCount)
	if err != nil {
		s.logger.Error("loading recent events", slog.Int64("device_id", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	truthy, err := s.store.GetTimeInState(ctx, id, true)
	if err != nil {
		s.logger.Error("loading time-in-state (truthy)", slog.Int64("device_id", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	falsy, err := s.store.GetTimeInState(ctx, id, false)
	if err != nil {
		s.logger.Error("loading time-in-state (falsy)", slog.Int64("device_id", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	count, err := s.store.GetActionCount(ctx, id, time.Hour)
	if err != nil {
		s.logger.Error("loading action count", slog.Int64("device_id", id), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, reportView{
		Device:       toDeviceView(dev),
		RecentEvents: events,
		TimeInState: timeInState{
			TruthySeconds: truthy.Seconds(),
			FalsySeconds:  falsy.Seconds(),
		},
		ActionCount1h: count,
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
