// Package server exposes producer ingest and operator controls over HTTP.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pingsantohq/cellguard/internal/monitor"
	"github.com/pingsantohq/cellguard/internal/rat"
	"github.com/pingsantohq/cellguard/internal/runtime"
	"github.com/pingsantohq/cellguard/internal/telemetry"
	"github.com/pingsantohq/cellguard/pkg/types"
)

// Config controls HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AdminBearerToken guards the RAT and probe controls when set.
	AdminBearerToken string
}

// Controller is the runtime surface the handlers drive.
type Controller interface {
	Radios() []types.RadioID
	NotifyDataStall(id types.RadioID, payload map[string]string) error
	NotifySetupError(id types.RadioID, apnName, apnType, reason, cause string) error
	NotifyServiceState(id types.RadioID, state types.ServiceState) error
	UpdateTelemetry(id types.RadioID, sample telemetry.Sample) (telemetry.RadioState, error)
	TelemetryState(id types.RadioID) (telemetry.RadioState, error)
	StartRat(id types.RadioID) (bool, error)
	StopRat(id types.RadioID) error
	RatState(id types.RadioID) (rat.State, error)
	StopProbing(id types.RadioID) error
	MonitorStatus(id types.RadioID) (monitor.Status, error)
}

// ReadyFunc evaluates readiness at the given time.
type ReadyFunc func(now time.Time) (bool, []string)

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger  *zap.Logger
	Control Controller
	Metrics http.Handler
	Ready   ReadyFunc
	Now     func() time.Time
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

// New constructs an HTTP server with ingest, control and probe endpoints.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9310"
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/radios", radiosHandler(deps)).Methods(http.MethodGet)

	radio := api.PathPrefix("/radios/{radio_id:[0-9]+}").Subrouter()
	radio.HandleFunc("/events/data-stall", dataStallHandler(deps)).Methods(http.MethodPost)
	radio.HandleFunc("/events/setup-error", setupErrorHandler(deps)).Methods(http.MethodPost)
	radio.HandleFunc("/events/service-state", serviceStateHandler(deps)).Methods(http.MethodPost)
	radio.HandleFunc("/telemetry", updateTelemetryHandler(deps)).Methods(http.MethodPut)
	radio.HandleFunc("/telemetry", getTelemetryHandler(deps)).Methods(http.MethodGet)
	radio.HandleFunc("/monitor", monitorHandler(deps)).Methods(http.MethodGet)
	radio.HandleFunc("/rat", ratStateHandler(deps)).Methods(http.MethodGet)
	radio.HandleFunc("/rat/start", admin(cfg, ratStartHandler(deps))).Methods(http.MethodPost)
	radio.HandleFunc("/rat/stop", admin(cfg, ratStopHandler(deps))).Methods(http.MethodPost)
	radio.HandleFunc("/probe/stop", admin(cfg, probeStopHandler(deps))).Methods(http.MethodPost)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods(http.MethodGet, http.MethodHead)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.HandleFunc("/readyz", readyHandler(deps)).Methods(http.MethodGet)

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

func radiosHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Radios []types.RadioID `json:"radios"`
		}{Radios: deps.Control.Radios()})
	}
}

func dataStallHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		var req struct {
			Metadata map[string]string `json:"metadata"`
		}
		if !decodeOptional(w, r, &req) {
			return
		}
		respond(w, deps, "data stall", deps.Control.NotifyDataStall(id, req.Metadata), http.StatusAccepted)
	}
}

func setupErrorHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		var req struct {
			APNName    string `json:"apn_name"`
			APNType    string `json:"apn_type"`
			ReasonCode string `json:"reason_code"`
			ErrorCode  string `json:"error_code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		err := deps.Control.NotifySetupError(id, req.APNName, req.APNType, req.ReasonCode, req.ErrorCode)
		respond(w, deps, "setup error", err, http.StatusAccepted)
	}
}

func serviceStateHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		var req struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		state, err := types.ParseServiceState(req.State)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respond(w, deps, "service state", deps.Control.NotifyServiceState(id, state), http.StatusAccepted)
	}
}

func updateTelemetryHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		var sample telemetry.Sample
		if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		st, err := deps.Control.UpdateTelemetry(id, sample)
		if !checkErr(w, deps, "update telemetry", err) {
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func getTelemetryHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		st, err := deps.Control.TelemetryState(id)
		if !checkErr(w, deps, "telemetry state", err) {
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type monitorResponse struct {
	RadioID      types.RadioID `json:"radio_id"`
	Started      bool          `json:"started"`
	ProbeDelayMS int64         `json:"probe_delay_ms"`
	ProbePending bool          `json:"probe_pending"`
	ProbeRunning bool          `json:"probe_running"`
	Processed    uint64        `json:"processed"`
	Dropped      uint64        `json:"dropped"`
}

func monitorHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		st, err := deps.Control.MonitorStatus(id)
		if !checkErr(w, deps, "monitor status", err) {
			return
		}
		writeJSON(w, http.StatusOK, monitorResponse{
			RadioID:      st.RadioID,
			Started:      st.Started,
			ProbeDelayMS: st.ProbeDelay.Milliseconds(),
			ProbePending: st.ProbePending,
			ProbeRunning: st.ProbeRunning,
			Processed:    st.Processed,
			Dropped:      st.Dropped,
		})
	}
}

func ratStateHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		st, err := deps.Control.RatState(id)
		if !checkErr(w, deps, "rat state", err) {
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func ratStartHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		started, err := deps.Control.StartRat(id)
		if !checkErr(w, deps, "rat start", err) {
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Started bool `json:"started"`
		}{Started: started})
	}
}

func ratStopHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		respond(w, deps, "rat stop", deps.Control.StopRat(id), http.StatusNoContent)
	}
}

func probeStopHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := radioID(w, r)
		if !ok {
			return
		}
		respond(w, deps, "probe stop", deps.Control.StopProbing(id), http.StatusAccepted)
	}
}

func readyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if deps.Ready == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := deps.Ready(deps.Now())
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, struct {
			Ready   bool     `json:"ready"`
			Reasons []string `json:"reasons,omitempty"`
		}{Ready: ready, Reasons: reasons})
	}
}

func radioID(w http.ResponseWriter, r *http.Request) (types.RadioID, bool) {
	id, err := types.ParseRadioID(mux.Vars(r)["radio_id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func checkErr(w http.ResponseWriter, deps Dependencies, op string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, runtime.ErrUnknownRadio) {
		http.Error(w, "unknown radio", http.StatusNotFound)
		return false
	}
	deps.Logger.Error(op+" failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
	return false
}

func respond(w http.ResponseWriter, deps Dependencies, op string, err error, status int) {
	if !checkErr(w, deps, op, err) {
		return
	}
	w.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func admin(cfg Config, next http.HandlerFunc) http.HandlerFunc {
	if strings.TrimSpace(cfg.AdminBearerToken) == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func authorizeAdmin(r *http.Request, token string) bool {
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, prefix) {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(value, prefix))
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
