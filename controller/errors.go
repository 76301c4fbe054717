package controller

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration         = errors.New("configuration error")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrHardwareBusy          = errors.New("hardware busy")
	ErrPersistence           = errors.New("persistence error")
	ErrParse                 = errors.New("parse error")
	ErrUnknownBottle         = errors.New("unknown bottle")
	ErrNotFound              = errors.New("not found")
)

// Shortage describes one ingredient a bottle cannot cover.
type Shortage struct {
	Ingredient  string  `json:"ingredient"`
	BottleID    string  `json:"bottle_id"`
	RequiredML  float64 `json:"required_ml"`
	AvailableML float64 `json:"available_ml"`
	Missing     bool    `json:"missing"`
}

func (s Shortage) String() string {
	if s.Missing {
		return fmt.Sprintf("%s (bottle '%s' not found)", s.Ingredient, s.BottleID)
	}
	return fmt.Sprintf("%s (only %.1fml available, %.1fml required)", s.Ingredient, s.AvailableML, s.RequiredML)
}

type InsufficientInventoryError struct {
	Shortages []Shortage
}

func (e *InsufficientInventoryError) Error() string {
	parts := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		parts[i] = s.String()
	}
	return ErrInsufficientInventory.Error() + ": " + strings.Join(parts, ", ")
}

func (e *InsufficientInventoryError) Is(target error) bool {
	return target == ErrInsufficientInventory
}

// Busy reasons reported by HardwareBusyError.
const (
	BusyRole    = "role"
	BusyTimeout = "timeout"
)

type HardwareBusyError struct {
	Reason string
	Owner  string
	Role   string
}

func (e *HardwareBusyError) Error() string {
	if e.Reason == BusyRole {
		return fmt.Sprintf("%s: hardware owned by %s, this process runs as %s", ErrHardwareBusy, e.Owner, e.Role)
	}
	return fmt.Sprintf("%s: gpio lock not obtained in time", ErrHardwareBusy)
}

func (e *HardwareBusyError) Is(target error) bool {
	return target == ErrHardwareBusy
}

// Categories returned by Category. The user facing surfaces only see these.
const (
	CategoryBusy          = "busy"
	CategoryInventory     = "inventory"
	CategoryConfiguration = "configuration"
	CategoryStorage       = "storage"
	CategoryParse         = "parse"
	CategoryNotFound      = "not_found"
	CategoryInternal      = "internal"
)

func Category(err error) string {
	switch {
	case errors.Is(err, ErrHardwareBusy):
		return CategoryBusy
	case errors.Is(err, ErrInsufficientInventory):
		return CategoryInventory
	case errors.Is(err, ErrConfiguration):
		return CategoryConfiguration
	case errors.Is(err, ErrPersistence):
		return CategoryStorage
	case errors.Is(err, ErrParse):
		return CategoryParse
	case errors.Is(err, ErrUnknownBottle), errors.Is(err, ErrNotFound):
		return CategoryNotFound
	default:
		return CategoryInternal
	}
}

// Message is the short text shown by the front ends for an error category.
func Message(err error) string {
	switch Category(err) {
	case CategoryBusy:
		return "The pumps are busy, try again in a moment"
	case CategoryInventory:
		return "Not enough liquid left for this recipe"
	case CategoryConfiguration:
		return "Pump configuration is incomplete"
	case CategoryStorage:
		return "Could not save inventory"
	case CategoryParse:
		return "Invalid amount"
	case CategoryNotFound:
		if errors.Is(err, ErrUnknownBottle) {
			return "Unknown bottle"
		}
		return "Not found"
	default:
		return "Unexpected error"
	}
}
