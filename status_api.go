package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"
)

// StatusAPI exposes the read-only status endpoints plus the two
// calibration controls (tone enable, retune). The demo bus is nil in
// production; when present it adds a /api/touch endpoint for
// simulating contact.
type StatusAPI struct {
	session *Session
	config  *Config
	bus     *LoopbackBus
	started time.Time
}

// NewStatusAPI creates the API handler set.
func NewStatusAPI(session *Session, config *Config, bus *LoopbackBus) *StatusAPI {
	return &StatusAPI{
		session: session,
		config:  config,
		bus:     bus,
		started: time.Now(),
	}
}

// Register attaches all handlers to the mux.
func (api *StatusAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/links", api.handleLinks)
	mux.HandleFunc("/api/levels", api.handleLevels)
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/spectrum", api.handleSpectrum)
	mux.HandleFunc("/api/plan", api.handlePlan)
	mux.HandleFunc("/api/tone", api.handleTone)
	mux.HandleFunc("/api/frequency", api.handleFrequency)
	mux.HandleFunc("/api/health", api.handleHealth)
	if api.bus != nil {
		mux.HandleFunc("/api/touch", api.handleTouch)
	}
}

func (api *StatusAPI) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if api.config.Server.EnableCORS {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("API: Failed to encode response: %v", err)
	}
}

func (api *StatusAPI) writeError(w http.ResponseWriter, status int, msg string) {
	api.writeJSON(w, status, map[string]string{"error": msg})
}

// handleLinks returns the current link graph snapshot.
func (api *StatusAPI) handleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	api.writeJSON(w, http.StatusOK, api.session.Links())
}

// handleLevels returns the latest reading for every (detector, target)
// pair.
func (api *StatusAPI) handleLevels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Unix(),
		"readings":  api.session.Levels(),
	})
}

// handleStatus returns the per-statue status map.
func (api *StatusAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": api.session.ID,
		"uptime_sec": int(time.Since(api.started).Seconds()),
		"statues":    api.session.Status(),
	})
}

// handleSpectrum returns a calibration spectrum for one statue's most
// recent capture block.
func (api *StatusAPI) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := r.URL.Query().Get("statue")
	if name == "" {
		api.writeError(w, http.StatusBadRequest, "statue parameter is required")
		return
	}
	spec, err := api.session.Spectrum(name)
	if err != nil {
		api.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, spec)
}

// handlePlan returns the current frequency plan.
func (api *StatusAPI) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	api.writeJSON(w, http.StatusOK, api.session.Plan())
}

// handleTone toggles one statue's outgoing tone.
// POST /api/tone?statue=alpha&enabled=false
func (api *StatusAPI) handleTone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := r.URL.Query().Get("statue")
	if name == "" {
		api.writeError(w, http.StatusBadRequest, "statue parameter is required")
		return
	}
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "enabled parameter must be true or false")
		return
	}
	if err := api.session.SetToneEnabled(name, enabled); err != nil {
		api.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"statue":  name,
		"enabled": enabled,
	})
}

// handleFrequency retunes one statue's tone at runtime. The retune is
// rejected if the resulting plan would violate the spacing rules.
// POST /api/frequency?statue=alpha&hz=3600
func (api *StatusAPI) handleFrequency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := r.URL.Query().Get("statue")
	if name == "" {
		api.writeError(w, http.StatusBadRequest, "statue parameter is required")
		return
	}
	hz, err := strconv.ParseFloat(r.URL.Query().Get("hz"), 64)
	if err != nil || hz <= 0 {
		api.writeError(w, http.StatusBadRequest, "hz parameter must be a positive number")
		return
	}
	if err := api.session.SetFrequency(name, hz); err != nil {
		api.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"statue":    name,
		"frequency": hz,
	})
}

// handleHealth reports overall liveness: healthy while every detection
// loop is running, degraded once any statue has failed.
func (api *StatusAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := api.session.Status()
	healthy := true
	for _, st := range status {
		if !st.Alive {
			healthy = false
			break
		}
	}
	state := "healthy"
	code := http.StatusOK
	if !healthy {
		state = "degraded"
		code = http.StatusServiceUnavailable
	}
	api.writeJSON(w, code, map[string]interface{}{
		"status":     state,
		"session_id": api.session.ID,
		"uptime_sec": int(time.Since(api.started).Seconds()),
	})
}

// handleTouch simulates physical contact on the loopback bus. Demo
// mode only.
// POST /api/touch?a=alpha&b=bravo&on=true
func (api *StatusAPI) handleTouch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a := r.URL.Query().Get("a")
	b := r.URL.Query().Get("b")
	if a == "" || b == "" || a == b {
		api.writeError(w, http.StatusBadRequest, "a and b parameters must name two different statues")
		return
	}
	plan := api.session.Plan()
	if _, ok := plan[a]; !ok {
		api.writeError(w, http.StatusNotFound, "unknown statue "+strconv.Quote(a))
		return
	}
	if _, ok := plan[b]; !ok {
		api.writeError(w, http.StatusNotFound, "unknown statue "+strconv.Quote(b))
		return
	}
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "on parameter must be true or false")
		return
	}
	gain := 0.0
	if on {
		gain = 0.5
		if g := r.URL.Query().Get("gain"); g != "" {
			if parsed, err := strconv.ParseFloat(g, 64); err == nil && parsed > 0 && parsed <= 1 {
				gain = parsed
			}
		}
	}
	api.bus.SetCoupling(a, b, gain)
	log.Printf("API: touch %s/%s set to %v (gain %.2f)", a, b, on, gain)
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"a":    a,
		"b":    b,
		"on":   on,
		"gain": gain,
	})
}
