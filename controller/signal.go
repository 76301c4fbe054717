package controller

import (
	"encoding/json"
	"time"

	"github.com/tipsy-mixer/tipsy/controller/storage"
)

const RefreshAction = "refresh_cocktails"

// RefreshSignal tells the other front end to reload cocktails and inventory.
type RefreshSignal struct {
	Action    string  `json:"action"`
	Timestamp float64 `json:"timestamp"`
}

// WriteRefreshSignal drops the signal file read by the touch interface.
// An empty path disables signalling.
func WriteRefreshSignal(path string, now time.Time) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(RefreshSignal{
		Action:    RefreshAction,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
	})
	if err != nil {
		return err
	}
	return storage.WriteFile(path, data, 0o644)
}

var timeNow = time.Now
