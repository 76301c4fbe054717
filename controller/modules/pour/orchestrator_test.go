package pour

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/drivers/noop"
	"github.com/tipsy-mixer/tipsy/controller/flock"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/calibration"
	"github.com/tipsy-mixer/tipsy/controller/modules/gpiolock"
	"github.com/tipsy-mixer/tipsy/controller/modules/pumps"
	"github.com/tipsy-mixer/tipsy/controller/modules/recipes"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
	"github.com/tipsy-mixer/tipsy/controller/settings"
)

const pumpConfig = `{"Pump 1": "Gin", "Pump 2": {"ingredient": "Tonic Water", "carbonated": true}}`

var ginTonic = recipes.Cocktail{
	NormalName:  "Gin Tonic",
	Ingredients: map[string]string{"Gin": "50 ml", "Tonic Water": "150 ml"},
}

type rig struct {
	c       controller.Controller
	ledger  *bottles.Ledger
	arbiter *gpiolock.Arbiter
	driver  *noop.Driver
	holder  *calibration.Holder
	o       *Orchestrator
}

// fast calibration: 150 ml of tonic take 90ms
var fast = settings.Calibration{
	Default:            0.0005,
	Peristaltic:        0.0005,
	Membrane:           0.0005,
	CarbonatedMembrane: 0.0006,
	MembranePumps:      []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
}

func newRig(t *testing.T) *rig {
	t.Helper()
	c, err := controller.NewForTest(t.TempDir())
	require.NoError(t, err)
	s := c.Settings()
	require.NoError(t, os.WriteFile(s.Files.PumpConfig, []byte(pumpConfig), 0o644))

	l, err := bottles.NewLedger(c, nil)
	require.NoError(t, err)
	top, err := topology.Load(s.Files.PumpConfig)
	require.NoError(t, err)
	_, err = l.Rebuild(top)
	require.NoError(t, err)

	table := calibration.NewTable(fast, zap.NewNop())
	holder := calibration.NewHolder(table)
	d := noop.New(pumps.PinList(s.Pumps.Motors))
	u := pumps.NewUnit(c, d, table.Reversible)
	a := gpiolock.NewArbiter(c, flock.New(s.Files.GPIOLock))
	o, err := NewOrchestrator(c, l, a, u, holder)
	require.NoError(t, err)
	return &rig{c: c, ledger: l, arbiter: a, driver: d, holder: holder, o: o}
}

func (r *rig) level(t *testing.T, id string) float64 {
	t.Helper()
	b, ok := r.ledger.Get(id)
	require.True(t, ok, id)
	return b.CurrentML
}

func wait(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestGinTonic(t *testing.T) {
	r := newRig(t)
	h, err := r.o.MakeDrink(context.Background(), ginTonic, Single)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	assert.Equal(t, Completed, h.Status())
	assert.Equal(t, 950.0, r.level(t, "gin"))
	assert.Equal(t, 850.0, r.level(t, "tonic_water"))
	assert.False(t, r.arbiter.Held())
	assert.Empty(t, r.driver.Energized())

	items := h.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "Tonic Water", items[0].Ingredient, "largest volume first")
	assert.Equal(t, 2, items[0].Pump)
	assert.InDelta(t, 0.09, items[0].Seconds, 1e-6)
	assert.InDelta(t, 0.025, items[1].Seconds, 1e-6)
	assert.Equal(t, pumps.Stopped, items[1].State)

	recs, err := r.o.History().List(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, h.ID, recs[0].ID)
	assert.Equal(t, 200.0, recs[0].TotalML())
	assert.FileExists(t, r.c.Settings().Files.RefreshSignal)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.c.Telemetry().Pours.WithLabelValues(string(Completed))))
	assert.Equal(t, 150.0, testutil.ToFloat64(r.c.Telemetry().DispensedML.WithLabelValues("tonic_water")))
}

func TestDoubleIntensity(t *testing.T) {
	r := newRig(t)
	h, err := r.o.MakeDrink(context.Background(), ginTonic, Double)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))
	assert.Equal(t, 900.0, r.level(t, "gin"))
	assert.Equal(t, 700.0, r.level(t, "tonic_water"))
}

func TestInsufficientInventoryTakesNothing(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.ledger.SetLevel("tonic_water", 100))

	h, err := r.o.MakeDrink(context.Background(), ginTonic, Single)
	assert.Nil(t, h)
	var inv *controller.InsufficientInventoryError
	require.True(t, errors.As(err, &inv))
	require.Len(t, inv.Shortages, 1)
	assert.Equal(t, "Tonic Water", inv.Shortages[0].Ingredient)
	assert.Equal(t, 100.0, inv.Shortages[0].AvailableML)

	assert.Equal(t, 1000.0, r.level(t, "gin"))
	assert.Equal(t, 100.0, r.level(t, "tonic_water"))
	assert.False(t, r.arbiter.Held())
	assert.Empty(t, r.driver.Events())
}

func TestConfigurationErrors(t *testing.T) {
	r := newRig(t)
	rumTonic := recipes.Cocktail{NormalName: "Rum Tonic", Ingredients: map[string]string{"Rum": "50 ml", "Tonic Water": "150 ml"}}
	_, err := r.o.MakeDrink(context.Background(), rumTonic, Single)
	assert.True(t, errors.Is(err, controller.ErrConfiguration))
	assert.Contains(t, err.Error(), "Rum")
	assert.Equal(t, 1000.0, r.level(t, "tonic_water"))

	require.NoError(t, os.WriteFile(r.c.Settings().Files.PumpConfig, []byte(`{"Pump 13": "Gin", "Pump 2": "Tonic Water"}`), 0o644))
	_, err = r.o.MakeDrink(context.Background(), ginTonic, Single)
	assert.True(t, errors.Is(err, controller.ErrConfiguration))

	require.NoError(t, os.Remove(r.c.Settings().Files.PumpConfig))
	_, err = r.o.MakeDrink(context.Background(), ginTonic, Single)
	assert.True(t, errors.Is(err, controller.ErrConfiguration))

	assert.Equal(t, 1000.0, r.level(t, "gin"))
	assert.Empty(t, r.driver.Events())
	assert.Equal(t, 3.0, testutil.ToFloat64(r.c.Telemetry().Pours.WithLabelValues(controller.CategoryConfiguration)))
}

func TestUnparseableAmountIsSkipped(t *testing.T) {
	r := newRig(t)
	c := recipes.Cocktail{NormalName: "Gin Dash", Ingredients: map[string]string{"Gin": "4 cl", "Bitters": "2 dashes"}}
	h, err := r.o.MakeDrink(context.Background(), c, Single)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))
	require.Len(t, h.Skipped(), 1)
	assert.Equal(t, "Bitters", h.Skipped()[0].Ingredient)
	assert.Equal(t, 960.0, r.level(t, "gin"))

	nothing := recipes.Cocktail{NormalName: "Dash", Ingredients: map[string]string{"Bitters": "2 dashes"}}
	_, err = r.o.MakeDrink(context.Background(), nothing, Single)
	assert.True(t, errors.Is(err, controller.ErrParse))
}

func TestBusyRigCostsNoInventory(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.arbiter.Marker().Write(settings.RoleStreamlit))
	_, err := r.o.MakeDrink(context.Background(), ginTonic, Single)
	var busy *controller.HardwareBusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, controller.BusyRole, busy.Reason)
	assert.Equal(t, 1000.0, r.level(t, "gin"))
	assert.Equal(t, 1000.0, r.level(t, "tonic_water"))
}

func TestCancelRefundsOnlyUnstarted(t *testing.T) {
	r := newRig(t)
	slow := fast
	slow.CarbonatedMembrane = 1
	r.holder.Swap(calibration.NewTable(slow, zap.NewNop()))
	r.o.concurrency = 1

	h, err := r.o.MakeDrink(context.Background(), ginTonic, Single)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Items()[0].Running }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 850.0, r.level(t, "tonic_water"))
	assert.Equal(t, 950.0, r.level(t, "gin"))

	h.Cancel()
	require.NoError(t, wait(t, h))
	assert.Equal(t, Cancelled, h.Status())
	assert.Equal(t, 850.0, r.level(t, "tonic_water"), "started actuation is not refunded")
	assert.Equal(t, 1000.0, r.level(t, "gin"), "never started actuation is refunded")
	assert.Empty(t, r.driver.Energized())
	assert.Equal(t, pumps.Idle, h.Items()[1].State)
	assert.Equal(t, []string{"Gin"}, h.Record().Refunded)
	assert.False(t, r.arbiter.Held())
}

func TestMotorFaultIsNotRefunded(t *testing.T) {
	r := newRig(t)
	r.driver.Fail(27, errors.New("line fault"))
	h, err := r.o.MakeDrink(context.Background(), ginTonic, Single)
	require.NoError(t, err)
	err = wait(t, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Tonic Water")
	assert.Equal(t, Failed, h.Status())
	assert.Equal(t, 850.0, r.level(t, "tonic_water"))
	assert.Equal(t, 950.0, r.level(t, "gin"))
	assert.False(t, r.driver.State(22))
}

func TestConcurrentPoursConserveInventory(t *testing.T) {
	r := newRig(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.o.MakeDrink(context.Background(), ginTonic, Single)
			if !assert.NoError(t, err) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, h.Wait(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, 800.0, r.level(t, "gin"))
	assert.Equal(t, 400.0, r.level(t, "tonic_water"))
	recs, err := r.o.History().List(0)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestPourAPI(t *testing.T) {
	r := newRig(t)
	book := `{"cocktails": [{"normal_name": "Gin Tonic", "ingredients": {"Gin": "50 ml", "Tonic Water": "150 ml"}}]}`
	require.NoError(t, os.WriteFile(r.c.Settings().Files.Cocktails, []byte(book), 0o644))
	router := mux.NewRouter()
	New(r.c, r.o).LoadAPI(router)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
		return rec
	}

	rec := do("POST", "/api/pour", `{"cocktail": "gin tonic"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	assert.Equal(t, "/api/pour/"+started.ID, rec.Header().Get("Location"))

	require.Eventually(t, func() bool {
		if _, running := r.o.Active(started.ID); running {
			return false
		}
		var got Record
		rec := do("GET", "/api/pour/"+started.ID, "")
		return rec.Code == http.StatusOK && json.NewDecoder(rec.Body).Decode(&got) == nil && got.Status == Completed
	}, 5*time.Second, 10*time.Millisecond)

	rec = do("GET", "/api/pours", "")
	var list []historyEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "200 ml", list[0].Total)

	assert.Equal(t, http.StatusNotFound, do("DELETE", "/api/pour/"+started.ID, "").Code)
	assert.Equal(t, http.StatusBadRequest, do("POST", "/api/pour", `{"cocktail": "Gin Tonic", "intensity": "triple"}`).Code)
	assert.Equal(t, http.StatusNotFound, do("POST", "/api/pour", `{"cocktail": "Mojito"}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do("POST", "/api/pour", `{"cocktail": "Big Gin", "ingredients": {"Gin": "2 l"}}`).Code)

	require.NoError(t, r.arbiter.Marker().Write(settings.RoleStreamlit))
	assert.Equal(t, http.StatusConflict, do("POST", "/api/pour", `{"cocktail": "Gin Tonic"}`).Code)
}

func TestSameBottleListedTwiceRunsOnce(t *testing.T) {
	r := newRig(t)
	c := recipes.Cocktail{NormalName: "Double Gin", Ingredients: map[string]string{"Gin": "50 ml", "gin": "30 ml"}}
	h, err := r.o.MakeDrink(context.Background(), c, Single)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	items := h.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Gin", items[0].Ingredient)
	assert.Equal(t, 1, items[0].Pump)
	assert.InDelta(t, 0.04, items[0].Seconds, 1e-6)
	assert.Equal(t, 920.0, r.level(t, "gin"))

	opened := 0
	for _, e := range r.driver.Events() {
		if e.Pin == 17 && e.State {
			opened++
		}
	}
	assert.Equal(t, 1, opened)
	assert.Empty(t, r.driver.Energized())
}

func TestPlanFixesReversibility(t *testing.T) {
	r := newRig(t)
	peristaltic := fast
	peristaltic.PeristalticPumps = []int{1}
	peristaltic.MembranePumps = []int{2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	r.holder.Swap(calibration.NewTable(peristaltic, zap.NewNop()))

	h, err := r.o.plan(ginTonic, Single)
	require.NoError(t, err)
	r.holder.Swap(calibration.NewTable(fast, zap.NewNop()))

	require.Len(t, h.items, 2)
	for _, it := range h.items {
		switch it.act.Ingredient {
		case "Gin":
			assert.True(t, it.act.Reversible)
		case "Tonic Water":
			assert.False(t, it.act.Reversible)
		}
	}
}
