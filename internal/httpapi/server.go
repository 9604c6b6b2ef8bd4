// Package httpapi implements the REST control plane and /ws surface
// described in §6. The HTTP routing follows gorilla/mux in the style
// the pack's hub-style servers use (one route per method+path,
// handlers closed over the dependencies they need); the WebSocket
// hub's register/unregister/broadcast shape is grounded directly on
// other_examples' vincent99/velocipi server/hub.go (per-client send
// channel, a registry guarded by one mutex, broadcast-by-copy so a
// slow client's queue can never block the broadcaster).
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
	"github.com/pixoo-fleet/pixoo-daemon/internal/observability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/router"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scene"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scheduler"
)

// GlobalInfo backs GET /api/status. It is supplied by the composition
// root at build time (version, buildNumber, gitCommit, startupTs) per
// §3's GlobalState.
type GlobalInfo struct {
	Version     string
	BuildNumber string
	GitCommit   string
	StartupTS   time.Time
}

// Server wires the Registry, Scheduler Manager, Scene Registry, and
// Observability Publisher into the HTTP/WebSocket surface in §6.
type Server struct {
	reg   *registry.Registry
	mgr   *scheduler.Manager
	rtr   *router.Router
	scns  *scene.Registry
	pub   *observability.Publisher
	info  GlobalInfo
	log   logrus.FieldLogger

	upgrader websocket.Upgrader
	hub      *hub

	metricsHandler http.Handler
	restartFn      func()
}

// New builds a Server. restartFn is invoked by POST /api/restart;
// httpapi itself has no opinion on what it does (the composition root
// currently supplies one that only logs a warning).
func New(reg *registry.Registry, mgr *scheduler.Manager, rtr *router.Router, scns *scene.Registry, pub *observability.Publisher, met *prometheus.Registry, info GlobalInfo, restartFn func(), log logrus.FieldLogger) *Server {
	s := &Server{
		reg: reg, mgr: mgr, rtr: rtr, scns: scns, pub: pub, info: info, log: log,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
		restartFn: restartFn,
	}
	s.hub = newHub(log)
	pub.Subscribe(s.hub.onTransition, s.hub.onMetricsTick)
	s.metricsHandler = promhttp.HandlerFor(met, promhttp.HandlerOpts{})
	return s
}

// Router builds the gorilla/mux router for the control plane.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/devices", s.handleListDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{ip}", s.handleGetDevice).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{ip}/scene", s.handleSwitchScene).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{ip}/scene/pause", s.handleSceneAction("scene/pause")).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{ip}/scene/resume", s.handleSceneAction("scene/resume")).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{ip}/scene/stop", s.handleSceneAction("scene/stop")).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{ip}/scene/restart", s.handleSceneAction("scene/restart")).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{ip}/driver", s.handleSceneAction("driver/switch")).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{ip}/display/power", s.handleSceneAction("display/power")).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{ip}/display/brightness", s.handleSceneAction("display/brightness")).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{ip}/reset", s.handleSceneAction("device/reset")).Methods(http.MethodPost)
	r.HandleFunc("/api/scenes", s.handleListScenes).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/metrics", s.metricsHandler.ServeHTTP)
	r.HandleFunc("/ws", s.handleWS)
	return r
}

type deviceView struct {
	Host         string                    `json:"host"`
	DisplayName  string                    `json:"displayName,omitempty"`
	DeviceType   string                    `json:"deviceType"`
	DriverKind   string                    `json:"driverKind"`
	Capabilities capability.Capabilities   `json:"capabilities"`
	Snapshot     scheduler.Snapshot        `json:"state"`
	Metrics      driver.Metrics            `json:"metrics"`
}

func (s *Server) viewOf(dev *registry.Device) deviceView {
	a, _ := s.mgr.Get(dev.Host)
	var snap scheduler.Snapshot
	if a != nil {
		snap = a.Snapshot()
	}
	return deviceView{
		Host:         dev.Host,
		DisplayName:  dev.DisplayName,
		DeviceType:   dev.DeviceType,
		DriverKind:   string(dev.Kind()),
		Capabilities: dev.Capabilities,
		Snapshot:     snap,
		Metrics:      dev.Driver().Metrics().Snapshot(),
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	out := make([]deviceView, 0)
	for _, dev := range s.reg.List() {
		out = append(out, s.viewOf(dev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["ip"]
	dev, ok := s.reg.Get(host)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(dev))
}

func (s *Server) handleSwitchScene(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["ip"]
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.rtr.Dispatch(host, "scene/switch", body); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": uuid.NewString()})
}

// handleSceneAction returns a handler for the fixed-topic actions
// (pause/resume/stop/restart/driver/power/brightness/reset) that
// share the router's MQTT payload shapes 1:1, per §6.
func (s *Server) handleSceneAction(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := mux.Vars(r)["ip"]
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.rtr.Dispatch(host, topic, body); err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": uuid.NewString()})
	}
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	deviceType := r.URL.Query().Get("deviceType")
	caps := capability.Capabilities{
		HasAudio: true, HasTextRendering: true, HasPrimitiveDrawing: true,
		HasIconSupport: true, HasBrightnessControl: true, MaxFPS: 1000,
	}
	mods := s.scns.List(deviceType, caps)
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		out = append(out, m.Name)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":     s.info.Version,
		"buildNumber": s.info.BuildNumber,
		"gitCommit":   s.info.GitCommit,
		"startupTs":   s.info.StartupTS.UnixMilli(),
		"deviceCount": len(s.reg.List()),
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": uuid.NewString()})
	if s.restartFn != nil {
		go s.restartFn()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("httpapi: websocket upgrade failed")
		return
	}
	s.hub.serve(conn, s.reg, s.mgr)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return []byte("{}"), nil
	}
	return buf, nil
}

func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errs.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.IsCapabilityError(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
