package controller

import (
	"encoding/json"
	"errors"
	"net/http"
)

type errorResponse struct {
	Category  string     `json:"category"`
	Message   string     `json:"message"`
	Detail    string     `json:"detail"`
	Shortages []Shortage `json:"shortages,omitempty"`
}

// WriteError maps err to a status code and a short categorized body.
func WriteError(w http.ResponseWriter, err error) {
	resp := errorResponse{
		Category: Category(err),
		Message:  Message(err),
		Detail:   err.Error(),
	}
	var inv *InsufficientInventoryError
	if errors.As(err, &inv) {
		resp.Shortages = inv.Shortages
	}
	status := http.StatusInternalServerError
	switch resp.Category {
	case CategoryBusy:
		status = http.StatusConflict
	case CategoryInventory:
		status = http.StatusUnprocessableEntity
	case CategoryParse:
		status = http.StatusBadRequest
	case CategoryNotFound:
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func WriteJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
