package gpiolock

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
)

type Controller struct {
	c       controller.Controller
	arbiter *Arbiter
}

func New(c controller.Controller, a *Arbiter) *Controller {
	return &Controller{c: c, arbiter: a}
}

func (ctl *Controller) Setup() error { return nil }
func (ctl *Controller) Start()       {}
func (ctl *Controller) Stop()        {}

func (ctl *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api/gpio").Subrouter()
	sr.HandleFunc("/owner", ctl.getOwner).Methods("GET")
	sr.HandleFunc("/owner", ctl.putOwner).Methods("PUT")
}

type ownerResponse struct {
	Owner string `json:"owner"`
	Role  string `json:"role"`
	Held  bool   `json:"held"`
}

func (ctl *Controller) getOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := ctl.arbiter.Marker().Read()
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, ownerResponse{Owner: owner, Role: ctl.arbiter.Role(), Held: ctl.arbiter.Held()})
}

// putOwner hands the hardware to another front end. Pours already running
// keep their lock until they finish.
func (ctl *Controller) putOwner(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := ctl.arbiter.Marker().Write(payload.Owner); err != nil {
		controller.WriteError(w, err)
		return
	}
	ctl.c.Logger().Info("gpio owner changed", zap.String("owner", payload.Owner))
	w.WriteHeader(http.StatusNoContent)
}
