package recipes

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
)

type Controller struct {
	c      controller.Controller
	ledger *bottles.Ledger
}

func New(c controller.Controller, l *bottles.Ledger) *Controller {
	return &Controller{c: c, ledger: l}
}

func (ctl *Controller) Setup() error { return nil }
func (ctl *Controller) Start()       {}
func (ctl *Controller) Stop()        {}

// Book reloads the recipe store; the touch interface may have edited it.
func (ctl *Controller) Book() (*Book, error) {
	return Load(ctl.c.Settings().Files.Cocktails)
}

func (ctl *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api/cocktails").Subrouter()
	sr.HandleFunc("", ctl.list).Methods("GET")
	sr.HandleFunc("/{name}", ctl.get).Methods("GET")
}

func (ctl *Controller) list(w http.ResponseWriter, r *http.Request) {
	b, err := ctl.Book()
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	if r.URL.Query().Get("available") != "true" {
		controller.WriteJSON(w, b.Cocktails)
		return
	}
	top, err := topology.Load(ctl.c.Settings().Files.PumpConfig)
	if err != nil {
		ctl.c.Logger().Warn("availability without pump config", zap.Error(err))
	}
	controller.WriteJSON(w, b.Available(ctl.ledger, top))
}

func (ctl *Controller) get(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	b, err := ctl.Book()
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	c, ok := b.Find(name)
	if !ok {
		controller.WriteError(w, fmt.Errorf("%w: cocktail %s", controller.ErrNotFound, name))
		return
	}
	controller.WriteJSON(w, c)
}
