package bottles

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
	"github.com/tipsy-mixer/tipsy/controller/telemetry"
)

type alerts struct {
	mu  sync.Mutex
	got []telemetry.Alert
}

func (a *alerts) Notify(al telemetry.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, al)
	return nil
}

func (a *alerts) levels() []telemetry.Level {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []telemetry.Level
	for _, al := range a.got {
		out = append(out, al.Level)
	}
	return out
}

func newLedger(t *testing.T) (*Ledger, controller.Controller, *alerts) {
	t.Helper()
	c, err := controller.NewForTest(t.TempDir())
	require.NoError(t, err)
	n := &alerts{}
	l, err := NewLedger(c, n)
	require.NoError(t, err)
	top, err := topology.Parse([]byte(`{"Pump 1": "Gin", "Pump 2": {"ingredient": "Tonic Water", "carbonated": true}, "Pump 3": "Rum (Weiß)"}`))
	require.NoError(t, err)
	added, err := l.Rebuild(top)
	require.NoError(t, err)
	require.Equal(t, []string{"gin", "tonic_water", "rum_weiss"}, added)
	return l, c, n
}

func level(t *testing.T, l *Ledger, id string) float64 {
	t.Helper()
	b, ok := l.Get(id)
	require.True(t, ok, id)
	return b.CurrentML
}

func TestRebuildKeepsLevels(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.SetLevel("gin", 300))

	top, err := topology.Parse([]byte(`{"Pump 1": "gin", "Pump 4": "lime juice"}`))
	require.NoError(t, err)
	added, err := l.Rebuild(top)
	require.NoError(t, err)
	assert.Equal(t, []string{"lime_juice"}, added)
	assert.Equal(t, 300.0, level(t, l, "gin"))
	assert.Len(t, l.List(), 4, "rebuild never deletes")

	removed, err := l.Prune(top)
	require.NoError(t, err)
	assert.Equal(t, []string{"rum_weiss", "tonic_water"}, removed)
	assert.Len(t, l.List(), 2)
}

func TestConsume(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.Consume("gin", 400))
	assert.Equal(t, 600.0, level(t, l, "gin"))

	err := l.Consume("gin", 601)
	assert.True(t, errors.Is(err, controller.ErrInsufficientInventory))
	assert.Equal(t, 600.0, level(t, l, "gin"))

	err = l.Consume("vodka", 10)
	assert.True(t, errors.Is(err, controller.ErrUnknownBottle))
}

func TestReserveAtomic(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.SetLevel("tonic_water", 100))

	err := l.Reserve([]Requirement{
		l.Requirement("gin", 50),
		l.Requirement("Tonic Water", 150),
		l.Requirement("vodka", 20),
	})
	var inv *controller.InsufficientInventoryError
	require.True(t, errors.As(err, &inv))
	require.Len(t, inv.Shortages, 2)
	assert.Equal(t, "Tonic Water (only 100.0ml available, 150.0ml required)", inv.Shortages[0].String())
	assert.True(t, inv.Shortages[1].Missing)
	assert.Equal(t, 1000.0, level(t, l, "gin"), "nothing reserved when one requirement fails")
	assert.Equal(t, 100.0, level(t, l, "tonic_water"))

	require.NoError(t, l.Reserve([]Requirement{l.Requirement("gin", 50), l.Requirement("tonic water", 100)}))
	assert.Equal(t, 950.0, level(t, l, "gin"))
	assert.Equal(t, 0.0, level(t, l, "tonic_water"))
}

func TestReserveSameBottleTwice(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.SetLevel("gin", 100))
	err := l.Reserve([]Requirement{l.Requirement("gin", 60), l.Requirement("GIN", 60)})
	assert.True(t, errors.Is(err, controller.ErrInsufficientInventory))
	assert.Equal(t, 100.0, level(t, l, "gin"))
}

func TestRefundClamps(t *testing.T) {
	l, _, _ := newLedger(t)
	reqs := []Requirement{l.Requirement("gin", 200)}
	require.NoError(t, l.Reserve(reqs))
	require.NoError(t, l.Refund(reqs))
	assert.Equal(t, 1000.0, level(t, l, "gin"))
	require.NoError(t, l.Refund(reqs))
	assert.Equal(t, 1000.0, level(t, l, "gin"))
}

func TestClamping(t *testing.T) {
	l, _, n := newLedger(t)
	require.NoError(t, l.SetLevel("gin", 5000))
	assert.Equal(t, 1000.0, level(t, l, "gin"))
	require.NoError(t, l.SetLevel("gin", -3))
	assert.Equal(t, 0.0, level(t, l, "gin"))
	require.NoError(t, l.Refill("gin", 1500))
	assert.Equal(t, 1000.0, level(t, l, "gin"))
	assert.Equal(t, []telemetry.Level{telemetry.LevelEmpty, telemetry.LevelRefill}, n.levels())
}

func TestCapacityRescale(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.SetCapacity("gin", 700))
	b, _ := l.Get("gin")
	assert.Equal(t, 700.0, b.CapacityML)
	assert.Equal(t, 700.0, b.CurrentML)
	assert.InDelta(t, 140, b.WarningThresholdML, 1e-9)
	assert.InDelta(t, 70, b.CriticalThresholdML, 1e-9)

	require.NoError(t, l.SetCapacity("gin", 50))
	b, _ = l.Get("gin")
	assert.True(t, b.CriticalThresholdML < b.WarningThresholdML && b.WarningThresholdML < b.CapacityML)
	assert.Equal(t, 50.0, b.CurrentML)

	assert.True(t, errors.Is(l.SetCapacity("gin", 0), controller.ErrParse))
}

func TestThresholds(t *testing.T) {
	l, _, _ := newLedger(t)
	assert.Error(t, l.SetThresholds("gin", 1000, 100))
	assert.Error(t, l.SetThresholds("gin", 100, 100))
	require.NoError(t, l.SetThresholds("gin", 300, 50))
	b, _ := l.Get("gin")
	assert.Equal(t, 300.0, b.WarningThresholdML)
}

func TestBandNotifications(t *testing.T) {
	l, _, n := newLedger(t)
	require.NoError(t, l.Consume("gin", 810))
	require.NoError(t, l.Consume("gin", 10))
	require.NoError(t, l.Consume("gin", 100))
	require.NoError(t, l.Consume("gin", 80))
	assert.Equal(t, []telemetry.Level{telemetry.LevelWarning, telemetry.LevelCritical, telemetry.LevelEmpty}, n.levels())
	assert.Equal(t, []string{"gin"}, l.Empty())
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	l, c, _ := newLedger(t)
	before, err := os.ReadFile(c.Settings().Files.Bottles)
	require.NoError(t, err)

	l.writeFile = func(path string, data []byte) error {
		return os.WriteFile(path, []byte(`{"bottles": {}}`), 0o644)
	}
	err = l.Consume("gin", 100)
	assert.True(t, errors.Is(err, controller.ErrPersistence))
	after, err := os.ReadFile(c.Settings().Files.Bottles)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1000.0, level(t, l, "gin"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Telemetry().LedgerWrites.WithLabelValues("failed")))

	l.writeFile = atomicWrite
	require.NoError(t, l.Consume("gin", 100))
	_, err = os.Stat(c.Settings().Files.Bottles + ".backup")
	assert.NoError(t, err)
}

func TestTwoLedgersShareFile(t *testing.T) {
	a, c, _ := newLedger(t)
	b, err := NewLedger(c, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); assert.NoError(t, a.Consume("gin", 10)) }()
		go func() { defer wg.Done(); assert.NoError(t, b.Consume("gin", 10)) }()
	}
	wg.Wait()
	assert.Equal(t, 600.0, level(t, a, "gin"))
	assert.Equal(t, 600.0, level(t, b, "gin"))
}

func TestOverviewAndIntegrity(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.SetLevel("gin", 0))
	require.NoError(t, l.SetLevel("rum_weiss", 150))
	o := l.Overview()
	assert.Equal(t, 3, o.Bottles)
	assert.Equal(t, 1, o.Empty)
	assert.Equal(t, 1, o.Low)
	assert.Equal(t, 3000.0, o.CapacityML)
	assert.InDelta(t, 38.3, o.Percent, 1e-9)
	assert.Equal(t, []string{"rum_weiss"}, l.Low())
	assert.InDelta(t, 15, l.Percent("rum_weiss"), 1e-9)
	assert.Empty(t, l.VerifyIntegrity())

	ok, missing := l.CanFulfill([]Requirement{l.Requirement("gin", 10), l.Requirement("rum (weiß)", 100)})
	assert.False(t, ok)
	assert.Equal(t, []string{"gin (only 0.0ml available, 10.0ml required)"}, missing)
}
