// Package api exposes the provider and customer entry points over HTTP:
// offer acceptance and decline, provider status reports, cancellations,
// location updates and booking reads. Matching itself never runs here; the
// handlers only call into the order service and storage.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/order"
	"github.com/fixmarket/dispatch/core/storage"
	"github.com/fixmarket/dispatch/pkg/export"
)

// Handler serves the dispatch HTTP API.
type Handler struct {
	store  storage.Store
	orders *order.Service
	token  string
	log    logger.Logger
}

// NewHandler builds the API handler. When token is non-empty every request
// must carry "Authorization: Bearer <token>".
func NewHandler(store storage.Store, orders *order.Service, token string, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop{}
	}
	return &Handler{store: store, orders: orders, token: token, log: log}
}

// Routes registers the API endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/bookings/{id}", h.auth(h.getBooking))
	mux.HandleFunc("GET /api/bookings/{id}/history", h.auth(h.getHistory))
	mux.HandleFunc("GET /api/bookings/{id}/locations", h.auth(h.getLocations))
	mux.HandleFunc("POST /api/bookings/{id}/status", h.auth(h.postStatus))
	mux.HandleFunc("POST /api/bookings/{id}/cancel", h.auth(h.postCancel))
	mux.HandleFunc("POST /api/bookings/{id}/location", h.auth(h.postLocation))
	mux.HandleFunc("POST /api/offers/{id}/accept", h.auth(h.postAccept))
	mux.HandleFunc("POST /api/offers/{id}/decline", h.auth(h.postDecline))
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type resultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeResult(w http.ResponseWriter, res order.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, resultResponse{Success: res.Success, Message: res.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) getBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.Booking(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "booking not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Errorf("get booking: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	offers, err := h.store.OffersForBooking(r.Context(), b.ID)
	if err != nil {
		h.log.Errorf("get offers for %s: %v", b.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Booking *model.Booking      `json:"booking"`
		Offers  []*model.JobRequest `json:"offers"`
	}{b, offers})
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.store.HistoryForBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		h.log.Errorf("get history: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		if err := export.WriteHistoryCSV(w, hist); err != nil {
			h.log.Errorf("export history: %v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) getLocations(w http.ResponseWriter, r *http.Request) {
	trail, err := h.store.LocationTrail(r.Context(), r.PathValue("id"))
	if err != nil {
		h.log.Errorf("get locations: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		if err := export.WriteTrailCSV(w, trail); err != nil {
			h.log.Errorf("export locations: %v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

type providerRequest struct {
	ProviderID string `json:"provider_id"`
}

func (h *Handler) postAccept(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProviderID == "" {
		http.Error(w, "provider_id required", http.StatusBadRequest)
		return
	}
	writeResult(w, h.orders.HandleProviderAcceptance(r.Context(), r.PathValue("id"), req.ProviderID))
}

func (h *Handler) postDecline(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProviderID == "" {
		http.Error(w, "provider_id required", http.StatusBadRequest)
		return
	}
	writeResult(w, h.orders.HandleProviderDecline(r.Context(), r.PathValue("id"), req.ProviderID))
}

func (h *Handler) postStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"provider_id"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProviderID == "" || req.Status == "" {
		http.Error(w, "provider_id and status required", http.StatusBadRequest)
		return
	}
	writeResult(w, h.orders.UpdateProviderStatus(r.Context(), r.PathValue("id"), req.ProviderID, model.BookingStatus(req.Status)))
}

func (h *Handler) postCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Role    string `json:"role"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" {
		http.Error(w, "actor_id required", http.StatusBadRequest)
		return
	}
	role := model.ActorRole(req.Role)
	if role != model.RoleCustomer && role != model.RoleProvider {
		http.Error(w, "role must be customer or provider", http.StatusBadRequest)
		return
	}
	writeResult(w, h.orders.HandleOrderCancellation(r.Context(), r.PathValue("id"), req.ActorID, role, req.Reason))
}

func (h *Handler) postLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string  `json:"provider_id"`
		Lat        float64 `json:"lat"`
		Lon        float64 `json:"lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProviderID == "" {
		http.Error(w, "provider_id required", http.StatusBadRequest)
		return
	}
	err := h.orders.RecordLocation(r.Context(), model.LocationUpdate{
		BookingID:  r.PathValue("id"),
		ProviderID: req.ProviderID,
		Point:      model.GeoPoint{Lat: req.Lat, Lon: req.Lon},
		RecordedAt: time.Now().UTC(),
	})
	switch {
	case errors.Is(err, order.ErrTrackingClosed):
		writeResult(w, order.Result{Success: false, Message: err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "booking not found", http.StatusNotFound)
	case err != nil:
		h.log.Errorf("record location: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		writeResult(w, order.Result{Success: true, Message: "location recorded"})
	}
}
