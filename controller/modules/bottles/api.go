package bottles

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
)

type Controller struct {
	c      controller.Controller
	ledger *Ledger
}

func New(c controller.Controller, l *Ledger) *Controller {
	return &Controller{c: c, ledger: l}
}

func (ctl *Controller) Ledger() *Ledger { return ctl.ledger }

// Setup adds bottles for newly configured pumps. A missing pump config is
// not fatal here; pours report it.
func (ctl *Controller) Setup() error {
	top, err := topology.Load(ctl.c.Settings().Files.PumpConfig)
	if err != nil {
		ctl.c.Logger().Warn("bottles not rebuilt", zap.Error(err))
		return nil
	}
	added, err := ctl.ledger.Rebuild(top)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		ctl.c.Logger().Info("bottles added", zap.Strings("ids", added))
	}
	ctl.ledger.VerifyIntegrity()
	return nil
}

func (ctl *Controller) Start() {}
func (ctl *Controller) Stop()  {}

type bottleView struct {
	ID string `json:"id"`
	Bottle
	Percent float64 `json:"percent"`
}

func view(b Bottle) bottleView {
	return bottleView{ID: b.ID, Bottle: b, Percent: b.Percent()}
}

func (ctl *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api/bottles").Subrouter()
	sr.HandleFunc("", ctl.list).Methods("GET")
	sr.HandleFunc("/overview", ctl.overview).Methods("GET")
	sr.HandleFunc("/integrity", ctl.integrity).Methods("GET")
	sr.HandleFunc("/rebuild", ctl.rebuild).Methods("POST")
	sr.HandleFunc("/{id}", ctl.get).Methods("GET")
	sr.HandleFunc("/{id}", ctl.remove).Methods("DELETE")
	sr.HandleFunc("/{id}/refill", ctl.refill).Methods("POST")
	sr.HandleFunc("/{id}/level", ctl.setLevel).Methods("PUT")
	sr.HandleFunc("/{id}/capacity", ctl.setCapacity).Methods("PUT")
	sr.HandleFunc("/{id}/thresholds", ctl.setThresholds).Methods("PUT")
}

func (ctl *Controller) list(w http.ResponseWriter, r *http.Request) {
	var out []bottleView
	for _, b := range ctl.ledger.List() {
		out = append(out, view(b))
	}
	controller.WriteJSON(w, out)
}

func (ctl *Controller) overview(w http.ResponseWriter, r *http.Request) {
	controller.WriteJSON(w, struct {
		Overview
		EmptyIDs []string `json:"empty"`
		LowIDs   []string `json:"low"`
	}{ctl.ledger.Overview(), ctl.ledger.Empty(), ctl.ledger.Low()})
}

func (ctl *Controller) integrity(w http.ResponseWriter, r *http.Request) {
	issues := ctl.ledger.VerifyIntegrity()
	if issues == nil {
		issues = []string{}
	}
	controller.WriteJSON(w, issues)
}

func (ctl *Controller) rebuild(w http.ResponseWriter, r *http.Request) {
	top, err := topology.Load(ctl.c.Settings().Files.PumpConfig)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	added, err := ctl.ledger.Rebuild(top)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	var removed []string
	if r.URL.Query().Get("prune") == "true" {
		if removed, err = ctl.ledger.Prune(top); err != nil {
			controller.WriteError(w, err)
			return
		}
	}
	ctl.c.Signal()
	controller.WriteJSON(w, map[string][]string{"added": added, "removed": removed})
}

func (ctl *Controller) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, ok := ctl.ledger.Get(id)
	if !ok {
		controller.WriteError(w, unknown(id))
		return
	}
	controller.WriteJSON(w, view(b))
}

func (ctl *Controller) remove(w http.ResponseWriter, r *http.Request) {
	if err := ctl.ledger.Remove(mux.Vars(r)["id"]); err != nil {
		controller.WriteError(w, err)
		return
	}
	ctl.c.Signal()
	w.WriteHeader(http.StatusNoContent)
}

type volume struct {
	ML *float64 `json:"ml"`
}

func decodeVolume(r *http.Request) (float64, error) {
	var v volume
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return 0, invalid("%v", err)
	}
	if v.ML == nil {
		return 0, invalid("ml is required")
	}
	return *v.ML, nil
}

func (ctl *Controller) withVolume(fn func(id string, ml float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ml, err := decodeVolume(r)
		if err == nil {
			err = fn(mux.Vars(r)["id"], ml)
		}
		if err != nil {
			controller.WriteError(w, err)
			return
		}
		ctl.c.Signal()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (ctl *Controller) refill(w http.ResponseWriter, r *http.Request) {
	ctl.withVolume(ctl.ledger.Refill)(w, r)
}

func (ctl *Controller) setLevel(w http.ResponseWriter, r *http.Request) {
	ctl.withVolume(ctl.ledger.SetLevel)(w, r)
}

func (ctl *Controller) setCapacity(w http.ResponseWriter, r *http.Request) {
	ctl.withVolume(ctl.ledger.SetCapacity)(w, r)
}

func (ctl *Controller) setThresholds(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Warning  float64 `json:"warning_threshold_ml"`
		Critical float64 `json:"critical_threshold_ml"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	err := ctl.ledger.SetThresholds(mux.Vars(r)["id"], payload.Warning, payload.Critical)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
