package calibration

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/settings"
)

func testCalibration() settings.Calibration {
	return settings.Calibration{
		Default:            0.16,
		Peristaltic:        0.24,
		Membrane:           0.12,
		CarbonatedMembrane: 0.125,
		PeristalticPumps:   []int{1, 2},
		MembranePumps:      []int{3, 4, 5},
	}
}

func TestCoefficient(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tbl := NewTable(testCalibration(), zap.New(core))

	assert.Equal(t, 0.24, tbl.Coefficient(1, false))
	assert.Equal(t, 0.24, tbl.Coefficient(2, true))
	assert.Equal(t, 0.12, tbl.Coefficient(3, false))
	assert.Equal(t, 0.125, tbl.Coefficient(3, true))
	assert.Equal(t, 0, logs.Len())

	assert.Equal(t, 0.16, tbl.Coefficient(9, true))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(9), logs.All()[0].ContextMap()["pump"])

	assert.True(t, tbl.Reversible(1))
	assert.False(t, tbl.Reversible(3))
	assert.False(t, tbl.Reversible(9))
	assert.Equal(t, Membrane, tbl.Class(4))
	assert.Equal(t, "unknown", tbl.Class(12).String())
}

func TestWithMeasurement(t *testing.T) {
	tbl := NewTable(testCalibration(), zap.NewNop())
	coef, err := FromMeasurement(6, 50)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, coef, 1e-9)

	next, err := tbl.WithMeasurement(3, true, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 0.2, next.Coefficient(4, true))
	assert.Equal(t, 0.12, next.Coefficient(4, false))
	assert.Equal(t, 0.125, tbl.Coefficient(4, true), "previous table must not change")

	_, err = tbl.WithMeasurement(10, false, 0.2)
	assert.Error(t, err)
	_, err = FromMeasurement(0, 50)
	assert.Error(t, err)
	_, err = FromMeasurement(5, 0)
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	tbl := NewTable(testCalibration(), zap.NewNop())
	info := tbl.Describe(6)
	require.Len(t, info, 6)
	assert.Equal(t, "peristaltic", info[0].Class)
	assert.InDelta(t, 12, info[0].SecondsFor50, 1e-9)
	assert.Equal(t, 0.125, info[2].Carbonated)
	assert.Equal(t, "unknown", info[5].Class)
	assert.Equal(t, 0.16, info[5].Still)
}

func TestHolderSwap(t *testing.T) {
	h := NewHolder(NewTable(testCalibration(), zap.NewNop()))
	snapshot := h.Current()
	cfg := testCalibration()
	cfg.Membrane = 0.5
	h.Swap(NewTable(cfg, zap.NewNop()))
	assert.Equal(t, 0.12, snapshot.Coefficient(3, false))
	assert.Equal(t, 0.5, h.Current().Coefficient(3, false))
}

func TestCalibrationAPI(t *testing.T) {
	dir := t.TempDir()
	c, err := controller.NewForTest(dir)
	require.NoError(t, err)
	path := filepath.Join(dir, "tipsy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: interface\n"), 0o644))

	h := NewHolder(NewTable(testCalibration(), zap.NewNop()))
	ctl := New(c, h, path)
	r := mux.NewRouter()
	ctl.LoadAPI(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/calibration", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"seconds_for_50ml"`)

	body := bytes.NewBufferString(`{"pump": 1, "seconds": 10, "measured_ml": 50}`)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/api/calibration/measure", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 0.2, h.Current().Coefficient(1, false), 1e-9)

	s, err := settings.Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, s.Calibration.Peristaltic, 1e-9)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/calibration", bytes.NewBufferString(`{"membrane_ml_coefficient": -1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0.12, h.Current().Coefficient(3, false))
}
