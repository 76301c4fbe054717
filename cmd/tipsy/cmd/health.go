package cmd

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
)

type health struct {
	r       *rig
	started time.Time
}

func newHealth(r *rig) *health {
	return &health{r: r, started: time.Now()}
}

type healthResponse struct {
	Role       string           `json:"role"`
	Owner      string           `json:"owner"`
	GPIOHeld   bool             `json:"gpio_held"`
	Started    string           `json:"started"`
	Uptime     string           `json:"host_uptime"`
	Load1      float64          `json:"load1"`
	Load5      float64          `json:"load5"`
	Load15     float64          `json:"load15"`
	MemoryUsed float64          `json:"memory_used_percent"`
	Inventory  bottles.Overview `json:"inventory"`
	Issues     []string         `json:"ledger_issues,omitempty"`
}

// get reports host load and inventory at a glance. Host
// stats that cannot be read are left at zero.
func (h *health) get(w http.ResponseWriter, req *http.Request) {
	log := h.r.c.Logger()
	resp := healthResponse{
		Role:      h.r.arbiter.Role(),
		GPIOHeld:  h.r.arbiter.Held(),
		Started:   humanize.Time(h.started),
		Inventory: h.r.ledger.Overview(),
		Issues:    h.r.ledger.VerifyIntegrity(),
	}
	owner, err := h.r.arbiter.Marker().Read()
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	resp.Owner = owner
	if avg, err := load.Avg(); err == nil {
		resp.Load1, resp.Load5, resp.Load15 = avg.Load1, avg.Load5, avg.Load15
	} else {
		log.Debug("load average unavailable", zap.Error(err))
	}
	if up, err := host.Uptime(); err == nil {
		resp.Uptime = (time.Duration(up) * time.Second).String()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryUsed = vm.UsedPercent
	}
	controller.WriteJSON(w, resp)
}
