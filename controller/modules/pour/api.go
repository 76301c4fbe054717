package pour

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/recipes"
)

type Controller struct {
	c            controller.Controller
	orchestrator *Orchestrator
}

func New(c controller.Controller, o *Orchestrator) *Controller {
	return &Controller{c: c, orchestrator: o}
}

func (ctl *Controller) Orchestrator() *Orchestrator { return ctl.orchestrator }

func (ctl *Controller) Setup() error { return nil }
func (ctl *Controller) Start()       {}
func (ctl *Controller) Stop()        { ctl.orchestrator.Shutdown() }

func (ctl *Controller) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/pour", ctl.create).Methods("POST")
	r.HandleFunc("/api/pour/{id}", ctl.get).Methods("GET")
	r.HandleFunc("/api/pour/{id}", ctl.cancel).Methods("DELETE")
	r.HandleFunc("/api/pours", ctl.list).Methods("GET")
}

// Request names a cocktail of the recipe store, or carries the ingredients
// of a one-off drink.
type Request struct {
	Cocktail    string            `json:"cocktail"`
	Intensity   string            `json:"intensity"`
	Ingredients map[string]string `json:"ingredients,omitempty"`
}

// Recipe resolves the request against the recipe store.
func (ctl *Controller) Recipe(req Request) (recipes.Cocktail, error) {
	if len(req.Ingredients) > 0 {
		return recipes.Cocktail{NormalName: req.Cocktail, Ingredients: req.Ingredients}, nil
	}
	book, err := recipes.Load(ctl.c.Settings().Files.Cocktails)
	if err != nil {
		return recipes.Cocktail{}, err
	}
	c, ok := book.Find(req.Cocktail)
	if !ok {
		return recipes.Cocktail{}, fmt.Errorf("%w: cocktail %s", controller.ErrNotFound, req.Cocktail)
	}
	return c, nil
}

func (ctl *Controller) create(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	in, err := ParseIntensity(req.Intensity)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	c, err := ctl.Recipe(req)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	h, err := ctl.orchestrator.MakeDrink(r.Context(), c, in)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	w.Header().Set("Location", "/api/pour/"+h.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(h.Record())
}

func (ctl *Controller) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h, ok := ctl.orchestrator.Active(id); ok {
		controller.WriteJSON(w, h.Record())
		return
	}
	rec, err := ctl.orchestrator.History().Find(id)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, rec)
}

func (ctl *Controller) cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h, ok := ctl.orchestrator.Active(id)
	if !ok {
		controller.WriteError(w, fmt.Errorf("%w: no running pour %s", controller.ErrNotFound, id))
		return
	}
	h.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

type historyEntry struct {
	Record
	Ago   string `json:"ago"`
	Total string `json:"total"`
}

func (ctl *Controller) list(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := ctl.orchestrator.History().List(limit)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	out := make([]historyEntry, len(recs))
	for i, rec := range recs {
		out[i] = historyEntry{
			Record: rec,
			Ago:    humanize.Time(rec.Started),
			Total:  humanize.FtoaWithDigits(rec.TotalML(), 1) + " ml",
		}
	}
	controller.WriteJSON(w, out)
}
