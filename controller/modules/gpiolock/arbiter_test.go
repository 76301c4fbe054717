package gpiolock

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/flock"
	"github.com/tipsy-mixer/tipsy/controller/settings"
)

type spyLocker struct {
	tries atomic.Int32
}

func (s *spyLocker) TryLock() (bool, error) {
	s.tries.Add(1)
	return true, nil
}

func (s *spyLocker) Unlock() error { return nil }

func newArbiter(t *testing.T, dir string, l Locker) (*Arbiter, controller.Controller) {
	t.Helper()
	c, err := controller.NewForTest(dir)
	require.NoError(t, err)
	a := NewArbiter(c, l)
	a.timeout = 300 * time.Millisecond
	a.poll = 10 * time.Millisecond
	return a, c
}

func TestRoleGateBeforeFlock(t *testing.T) {
	spy := &spyLocker{}
	a, c := newArbiter(t, t.TempDir(), spy)
	require.NoError(t, a.Marker().Write(settings.RoleStreamlit))

	err := a.Acquire(context.Background())
	var busy *controller.HardwareBusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, controller.BusyRole, busy.Reason)
	assert.Equal(t, settings.RoleStreamlit, busy.Owner)
	assert.True(t, errors.Is(err, controller.ErrHardwareBusy))
	assert.Equal(t, int32(0), spy.tries.Load(), "flock must not be touched on a role mismatch")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Telemetry().LockBusy.WithLabelValues(controller.BusyRole)))

	require.NoError(t, a.Marker().Write(settings.RoleInterface))
	require.NoError(t, a.Acquire(context.Background()))
	assert.Equal(t, int32(1), spy.tries.Load())
	require.NoError(t, a.Release())
}

func TestMissingMarkerMeansInterface(t *testing.T) {
	a, _ := newArbiter(t, t.TempDir(), &spyLocker{})
	owner, err := a.Marker().Read()
	require.NoError(t, err)
	assert.Equal(t, settings.RoleInterface, owner)
	assert.Error(t, a.Marker().Write("kiosk"))
}

func TestMutualExclusionAcrossArbiters(t *testing.T) {
	dir := t.TempDir()
	a, c := newArbiter(t, dir, nil)
	a.lock = flock.New(c.Settings().Files.GPIOLock)
	b := NewArbiter(c, flock.New(c.Settings().Files.GPIOLock))
	b.timeout = 300 * time.Millisecond
	b.poll = 10 * time.Millisecond

	require.NoError(t, a.Acquire(context.Background()))
	start := time.Now()
	err := b.Acquire(context.Background())
	var busy *controller.HardwareBusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, controller.BusyTimeout, busy.Reason)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	require.NoError(t, a.Release())
	require.NoError(t, b.Acquire(context.Background()))
	require.NoError(t, b.Release())
}

func TestInProcessSerialization(t *testing.T) {
	a, c := newArbiter(t, t.TempDir(), nil)
	a.lock = flock.New(c.Settings().Files.GPIOLock)
	a.timeout = 5 * time.Second

	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, a.Acquire(context.Background())) {
				return
			}
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, a.Release())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestAcquireHonoursContext(t *testing.T) {
	a, c := newArbiter(t, t.TempDir(), nil)
	a.lock = flock.New(c.Settings().Files.GPIOLock)
	a.timeout = 5 * time.Second
	other := flock.New(c.Settings().Files.GPIOLock)
	ok, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer other.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Acquire(ctx), context.DeadlineExceeded)
	assert.False(t, a.Held())
}

func TestOwnerAPI(t *testing.T) {
	a, c := newArbiter(t, t.TempDir(), &spyLocker{})
	r := mux.NewRouter()
	New(c, a).LoadAPI(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/gpio/owner", bytes.NewBufferString(`{"owner":"streamlit"}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/gpio/owner", nil))
	assert.JSONEq(t, `{"owner":"streamlit","role":"interface","held":false}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/gpio/owner", bytes.NewBufferString(`{"owner":"kiosk"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
