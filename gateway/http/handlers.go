package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/alert"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/health"
	"github.com/jnarwell/wit-sub006/pkg/timestamp"
	"github.com/jnarwell/wit-sub006/registry"
	"github.com/jnarwell/wit-sub006/scheduler"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/timeseries"
)

// defaultQueryWindow is the range queried when "from" is omitted.
const defaultQueryWindow = time.Hour

// sensorView is the API representation of a sensor.
type sensorView struct {
	Sensor sensor.Metadata       `json:"sensor"`
	Config *sensor.Configuration `json:"config,omitempty"`
	State  scheduler.State       `json:"state"`
}

func (s *Server) sensorView(md sensor.Metadata) sensorView {
	v := sensorView{Sensor: md, State: s.engine.SensorState(md.ID)}
	if cfg, err := s.engine.SensorConfig(md.ID); err == nil {
		v.Config = &cfg
	}
	return v
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, method string) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			err = fmt.Errorf("%w: empty request body", errors.ErrInvalidData)
		}
		return errors.WrapInvalid(err, "Gateway", method, "decode request body")
	}
	return nil
}

// pathID parses the {id} route variable.
func pathID(r *http.Request, method string) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.WrapInvalid(fmt.Errorf("%w: malformed id %q", errors.ErrInvalidData, raw),
			"Gateway", method, "parse id")
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.engine.Health()
	code := http.StatusOK
	if status.Status == health.LevelError {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleRegisterSensor(w http.ResponseWriter, r *http.Request) {
	var md sensor.Metadata
	if err := decodeBody(w, r, &md, "RegisterSensor"); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.engine.RegisterSensor(r.Context(), md)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stored, err := s.engine.GetSensor(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sensors/"+id.String())
	writeJSON(w, http.StatusCreated, s.sensorView(stored))
}

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		Category:       sensor.Category(q.Get("category")),
		ConnectionType: sensor.ConnectionType(q.Get("connection_type")),
		Tag:            q.Get("tag"),
		TagValue:       q.Get("tag_value"),
	}
	sensors := s.engine.ListSensors(f)
	out := make([]sensorView, 0, len(sensors))
	for _, md := range sensors {
		out = append(out, s.sensorView(md))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "GetSensor")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	md, err := s.engine.GetSensor(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sensorView(md))
}

// patchRequest carries the protocol variant in its tagged JSON form.
type patchRequest struct {
	registry.Patch
	Protocol json.RawMessage `json:"protocol,omitempty"`
}

func (s *Server) handleUpdateSensor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "UpdateSensor")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req patchRequest
	if err := decodeBody(w, r, &req, "UpdateSensor"); err != nil {
		s.fail(w, r, err)
		return
	}
	p := req.Patch
	if len(req.Protocol) > 0 && string(req.Protocol) != "null" {
		if p.Protocol, err = sensor.UnmarshalProtocol(req.Protocol); err != nil {
			s.fail(w, r, errors.WrapInvalid(err, "Gateway", "UpdateSensor", "decode protocol"))
			return
		}
	}
	md, err := s.engine.UpdateSensor(r.Context(), id, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sensorView(md))
}

func (s *Server) handleRemoveSensor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "RemoveSensor")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.RemoveSensor(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfigureSensor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ConfigureSensor")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cfg := sensor.DefaultConfiguration(id)
	if err := decodeBody(w, r, &cfg, "ConfigureSensor"); err != nil {
		s.fail(w, r, err)
		return
	}
	if cfg.SensorID != uuid.Nil && cfg.SensorID != id {
		s.fail(w, r, errors.WrapInvalid(
			fmt.Errorf("%w: body sensor_id %s does not match path", errors.ErrInvalidData, cfg.SensorID),
			"Gateway", "ConfigureSensor", "check sensor id"))
		return
	}
	cfg.SensorID = id
	out, err := s.engine.ConfigureSensor(r.Context(), cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSensorAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "SensorAction")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	switch mux.Vars(r)["action"] {
	case "start":
		err = s.engine.StartAcquisition(r.Context(), id)
	case "stop":
		err = s.engine.StopAcquisition(r.Context(), id)
	case "pause":
		err = s.engine.PauseAcquisition(id)
	case "resume":
		err = s.engine.ResumeAcquisition(id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": s.engine.SensorState(id)})
}

// commandRequest is a device command. Payload is base64 in JSON.
type commandRequest struct {
	Channel uint16 `json:"channel"`
	Name    string `json:"name"`
	Payload []byte `json:"payload"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "WriteCommand")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req commandRequest
	if err := decodeBody(w, r, &req, "WriteCommand"); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Payload) == 0 {
		s.fail(w, r, errors.WrapInvalid(fmt.Errorf("%w: empty command payload", errors.ErrInvalidData),
			"Gateway", "WriteCommand", "validate command"))
		return
	}
	cmd := adapter.Command{Channel: req.Channel, Name: req.Name, Payload: req.Payload}
	if err := s.engine.WriteCommand(r.Context(), id, cmd); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "name": req.Name, "bytes": len(req.Payload)})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "Query")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tr, decimation, err := parseQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	points, err := s.engine.Query(r.Context(), id, tr, decimation)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if points == nil {
		points = []timeseries.Point{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sensor_id":  id,
		"from":       tr.From,
		"to":         tr.To,
		"decimation": decimation,
		"points":     points,
	})
}

// parseQuery reads from, to (RFC 3339 or Unix time) and decimation. to
// defaults to now and from to one hour before to.
func parseQuery(r *http.Request) (timeseries.TimeRange, int, error) {
	q := r.URL.Query()
	tr := timeseries.TimeRange{To: time.Now().UTC()}

	if v := q.Get("to"); v != "" {
		t, err := timestamp.ParseTime(v)
		if err != nil {
			return tr, 0, errors.WrapInvalid(err, "Gateway", "Query", "parse to")
		}
		tr.To = t
	}
	tr.From = tr.To.Add(-defaultQueryWindow)
	if v := q.Get("from"); v != "" {
		t, err := timestamp.ParseTime(v)
		if err != nil {
			return tr, 0, errors.WrapInvalid(err, "Gateway", "Query", "parse from")
		}
		tr.From = t
	}

	decimation := 0
	if v := q.Get("decimation"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return tr, 0, errors.WrapInvalid(err, "Gateway", "Query", "parse decimation")
		}
		decimation = n
	}
	return tr, decimation, nil
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var probe sensor.Metadata
	if err := decodeBody(w, r, &probe, "DiscoverSensors"); err != nil {
		s.fail(w, r, err)
		return
	}
	found, err := s.engine.DiscoverSensors(r.Context(), probe)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]sensorView, 0, len(found))
	for _, md := range found {
		out = append(out, s.sensorView(md))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var g sensor.Group
	if err := decodeBody(w, r, &g, "CreateDAQGroup"); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.engine.CreateDAQGroup(r.Context(), g)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/groups/"+out.ID.String())
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.engine.ListGroups()
	if groups == nil {
		groups = []sensor.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "GetGroup")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	g, err := s.engine.GetGroup(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "DeleteDAQGroup")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.DeleteDAQGroup(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroupAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "GroupAction")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if mux.Vars(r)["action"] == "start" {
		err = s.engine.StartGroupAcquisition(r.Context(), id)
	} else {
		err = s.engine.StopGroupAcquisition(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	g, err := s.engine.GetGroup(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	states := make(map[uuid.UUID]scheduler.State, len(g.Members))
	for _, m := range g.Members {
		states[m] = s.engine.SensorState(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "members": states})
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var cfg alert.Config
	if err := decodeBody(w, r, &cfg, "CreateAlert"); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.engine.CreateAlert(cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/alerts/"+out.ID.String())
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := s.engine.ListAlerts()
	if alerts == nil {
		alerts = []alert.Config{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "GetAlert")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := s.engine.GetAlert(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRemoveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "RemoveAlert")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.RemoveAlert(id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events := []alert.Event{}
	switch r.URL.Query().Get("state") {
	case "active":
		events = append(events, s.engine.ActiveAlerts()...)
	case "resolved":
		events = append(events, s.engine.AlertHistory()...)
	case "":
		events = append(events, s.engine.ActiveAlerts()...)
		events = append(events, s.engine.AlertHistory()...)
	default:
		writeError(w, http.StatusBadRequest, "state must be active or resolved")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type ackRequest struct {
	By string `json:"by"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "AcknowledgeAlert")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req ackRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req, "AcknowledgeAlert"); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.By == "" {
		req.By = "api"
	}
	ev, err := s.engine.AcknowledgeAlert(id, req.By)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	subs := s.engine.Hub().Diagnostics()
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"subscribers": subs,
		"clients":     clients,
	})
}
