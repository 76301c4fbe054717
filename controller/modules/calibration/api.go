package calibration

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/settings"
)

// Controller serves and persists the calibration table. Edits are written to
// the settings file and swapped into the holder; pours in flight keep the
// coefficients they were built with.
type Controller struct {
	c          controller.Controller
	holder     *Holder
	configPath string
	pumps      int
}

func New(c controller.Controller, h *Holder, configPath string) *Controller {
	return &Controller{
		c:          c,
		holder:     h,
		configPath: configPath,
		pumps:      len(c.Settings().Pumps.Motors),
	}
}

func (ctl *Controller) Setup() error { return nil }
func (ctl *Controller) Start()       {}
func (ctl *Controller) Stop()        {}

// Apply validates cfg, persists it when a settings file is configured and
// publishes the new table.
func (ctl *Controller) Apply(cfg settings.Calibration) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", controller.ErrConfiguration, err)
	}
	if ctl.configPath != "" {
		if err := settings.SaveCalibration(ctl.configPath, cfg); err != nil {
			return fmt.Errorf("%w: save calibration: %v", controller.ErrPersistence, err)
		}
	}
	ctl.holder.Swap(NewTable(cfg, ctl.c.Logger().Named("calibration")))
	ctl.c.Logger().Info("calibration updated",
		zap.Float64("peristaltic", cfg.Peristaltic),
		zap.Float64("membrane", cfg.Membrane),
		zap.Float64("carbonated_membrane", cfg.CarbonatedMembrane))
	return nil
}

// Measure derives a coefficient from a timed run of pump and applies it to
// the pump's class.
func (ctl *Controller) Measure(pump int, carbonated bool, seconds, measuredML float64) (float64, error) {
	coef, err := FromMeasurement(seconds, measuredML)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", controller.ErrParse, err)
	}
	t, err := ctl.holder.Current().WithMeasurement(pump, carbonated, coef)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", controller.ErrConfiguration, err)
	}
	return coef, ctl.Apply(t.Settings())
}

func (ctl *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api/calibration").Subrouter()
	sr.HandleFunc("", ctl.get).Methods("GET")
	sr.HandleFunc("", ctl.put).Methods("PUT")
	sr.HandleFunc("/measure", ctl.measure).Methods("POST")
}

func (ctl *Controller) get(w http.ResponseWriter, r *http.Request) {
	t := ctl.holder.Current()
	controller.WriteJSON(w, struct {
		Settings settings.Calibration `json:"settings"`
		Pumps    []PumpInfo           `json:"pumps"`
	}{t.Settings(), t.Describe(ctl.pumps)})
}

func (ctl *Controller) put(w http.ResponseWriter, r *http.Request) {
	cfg := ctl.holder.Current().Settings()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ctl.Apply(cfg); err != nil {
		controller.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ctl *Controller) measure(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Pump       int     `json:"pump"`
		Carbonated bool    `json:"carbonated"`
		Seconds    float64 `json:"seconds"`
		MeasuredML float64 `json:"measured_ml"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	coef, err := ctl.Measure(payload.Pump, payload.Carbonated, payload.Seconds, payload.MeasuredML)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, map[string]float64{"seconds_per_ml": coef})
}
