package maintenance

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tipsy-mixer/tipsy/controller"
)

func (m *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api/maintenance").Subrouter()
	sr.HandleFunc("/config", m.getConfig).Methods("GET")
	sr.HandleFunc("/config", m.putConfig).Methods("PUT")
	sr.HandleFunc("/status", m.status).Methods("GET")
	sr.HandleFunc("/queue", m.queueList).Methods("GET")
	sr.HandleFunc("/queue/{key}", m.queueCancel).Methods("DELETE")
	sr.HandleFunc("/log", m.logList).Methods("GET")
	sr.HandleFunc("/run/{kind}", m.runOne).Methods("POST")
}

func (m *Controller) getConfig(w http.ResponseWriter, r *http.Request) {
	controller.WriteJSON(w, m.Config())
}

func (m *Controller) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := m.Update(cfg); err != nil {
		controller.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Current   *Task     `json:"current"`
	Scheduled []Kind    `json:"scheduled"`
	NextClean time.Time `json:"next_clean"`
	NextAudit time.Time `json:"next_audit"`
}

func (m *Controller) status(w http.ResponseWriter, r *http.Request) {
	cfg := m.Config()
	resp := statusResponse{Current: m.queue.Current(), Scheduled: m.Scheduled()}
	now := time.Now()
	if cfg.EnableClean {
		resp.NextClean = Next(cfg.CleanSchedule, now)
	}
	if cfg.EnableAudit {
		resp.NextAudit = Next(cfg.AuditSchedule, now)
	}
	controller.WriteJSON(w, resp)
}

// runOne enqueues a task. The body is optional for prime, clean and audit;
// pulse needs at least the pump and the seconds.
func (m *Controller) runOne(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	var t Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	t.ID, t.Kind = "", kind
	if err := m.Enqueue(t); err != nil {
		controller.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Controller) queueList(w http.ResponseWriter, r *http.Request) {
	tasks, err := m.queue.List()
	if err != nil {
		http.Error(w, "Failed to list queue", http.StatusInternalServerError)
		return
	}
	controller.WriteJSON(w, tasks)
}

func (m *Controller) queueCancel(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := m.queue.Remove(key); err != nil {
		controller.WriteError(w, err)
		return
	}
	m.appendLog(strings.ToUpper(key) + ": Pending task canceled")
	w.WriteHeader(http.StatusNoContent)
}

func (m *Controller) logList(w http.ResponseWriter, r *http.Request) {
	controller.WriteJSON(w, m.Logs())
}
