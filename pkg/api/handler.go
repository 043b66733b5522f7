package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	statusNone      = "none"
	statusPastDue   = "past_due"
	defaultFreePlan = "free"
	maxUserIDLen    = 255
	bearerPrefix    = "Bearer "
)

// Handler provides HTTP endpoints for subscription inspection and repair
type Handler struct {
	config Config
}

// GetSubscription returns the caller's current plan and subscription row
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	sub, err := h.config.Storage.GetSubscription(r.Context(), userID)
	if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}

	response := SubscriptionResponse{
		UserID: userID,
		Plan:   h.config.FreePlanID,
		Status: statusNone,
	}
	if sub != nil {
		response.Status = sub.Status
		response.Entitled = entitled(sub.Status)
		if response.Entitled && sub.PlanID != "" {
			response.Plan = sub.PlanID
		}
		response.Subscription = subscriptionDetail(sub)
	}

	h.writeJSON(w, http.StatusOK, response)
}

// Resync rebuilds one customer's row from the provider. It requires the admin
// bearer token and is only available when a Resyncer is configured.
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	if h.config.Resyncer == nil {
		h.handleError(w, r, fmt.Errorf("resync is not enabled"), http.StatusNotFound)
		return
	}
	if !h.authorized(r) {
		h.handleError(w, r, fmt.Errorf("invalid admin token"), http.StatusUnauthorized)
		return
	}
	customerID := h.config.GetCustomerID(r)
	if customerID == "" {
		h.handleError(w, r, fmt.Errorf("customer ID is required"), http.StatusBadRequest)
		return
	}

	out, err := h.config.Resyncer.Resync(r.Context(), customerID)
	if err != nil {
		h.config.Logger.Warn("resync failed",
			subsync.Field{Key: "customer_id", Value: customerID},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		status := http.StatusBadGateway
		if subsync.IsFatal(err) {
			status = http.StatusNotFound
		}
		h.handleError(w, r, err, status)
		return
	}

	response := ResyncResponse{CustomerID: customerID}
	if out != nil {
		response.Kind = string(out.Kind)
		response.SubscriptionID = out.SubscriptionID
		response.Applied = out.Applied
		response.Stale = out.Stale
		if out.User != nil {
			response.UserID = out.User.ID
		}
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	token := strings.TrimPrefix(header, bearerPrefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) == 1
}

// entitled reports whether a status keeps the paid plan. past_due is a grace period
// while the provider retries the payment.
func entitled(status string) bool {
	switch status {
	case subsync.StatusActive, subsync.StatusTrialing, statusPastDue:
		return true
	}
	return false
}

func subscriptionDetail(sub *subsync.Subscription) *SubscriptionDetail {
	d := &SubscriptionDetail{
		ID:                sub.ID,
		CustomerID:        sub.CustomerID,
		PriceID:           sub.PriceID,
		Interval:          sub.Interval,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.CurrentPeriodStart != 0 {
		t := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		d.CurrentPeriodStart = &t
	}
	if sub.CurrentPeriodEnd != 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		d.CurrentPeriodEnd = &t
	}
	return d
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started
		h.config.Logger.Debug("failed to encode response", subsync.Field{Key: "error", Value: err.Error()})
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
