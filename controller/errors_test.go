package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategory(t *testing.T) {
	busy := &HardwareBusyError{Reason: BusyTimeout}
	inv := &InsufficientInventoryError{Shortages: []Shortage{{Ingredient: "tonic", BottleID: "tonic", RequiredML: 150, AvailableML: 100}}}
	cases := []struct {
		err  error
		want string
	}{
		{busy, CategoryBusy},
		{fmt.Errorf("pour: %w", inv), CategoryInventory},
		{fmt.Errorf("%w: no pump for gin", ErrConfiguration), CategoryConfiguration},
		{fmt.Errorf("%w: verify", ErrPersistence), CategoryStorage},
		{errors.New("boom"), CategoryInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Category(c.err), c.err.Error())
	}
	assert.True(t, errors.Is(busy, ErrHardwareBusy))
	assert.False(t, errors.Is(busy, ErrConfiguration))
	assert.Contains(t, inv.Error(), "tonic (only 100.0ml available, 150.0ml required)")
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("make drink: %w", &InsufficientInventoryError{
		Shortages: []Shortage{{Ingredient: "tonic", BottleID: "tonic", RequiredML: 150, AvailableML: 100}},
	}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CategoryInventory, body.Category)
	require.Len(t, body.Shortages, 1)
	assert.Equal(t, "tonic", body.Shortages[0].Ingredient)

	rec = httptest.NewRecorder()
	WriteError(rec, &HardwareBusyError{Reason: BusyRole, Owner: "streamlit", Role: "interface"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWriteRefreshSignal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interface_signal.json")
	now := time.Unix(1700000000, 500000000)
	require.NoError(t, WriteRefreshSignal(path, now))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var sig RefreshSignal
	require.NoError(t, json.Unmarshal(data, &sig))
	assert.Equal(t, RefreshAction, sig.Action)
	assert.InDelta(t, 1700000000.5, sig.Timestamp, 1e-6)

	require.NoError(t, WriteRefreshSignal("", now))
}
