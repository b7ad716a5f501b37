package httpapi

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/keyd/api"
	"pkt.systems/keyd/internal/keys"
)

// handleGenerateKey issues a key to the caller's origin.
//
// A throttled origin gets 200 with an error body; only store failures are
// reported as 500.
func (h *Handler) handleGenerateKey(w http.ResponseWriter, r *http.Request) error {
	ctx := context.WithoutCancel(r.Context())
	res, err := h.keys.Issue(ctx, originFromContext(ctx))
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, api.GenerateKeyResponse{Key: res.Key})
		return nil
	case errors.Is(err, keys.ErrOriginThrottled):
		h.writeJSON(w, http.StatusOK, api.GenerateKeyResponse{Error: api.MsgOriginThrottled})
		return nil
	default:
		return httpError{
			Status: http.StatusInternalServerError,
			Body:   api.GenerateKeyResponse{Error: api.MsgInternalError},
			Err:    err,
		}
	}
}

// handleClaimKey binds a client id to a key exactly once.
func (h *Handler) handleClaimKey(w http.ResponseWriter, r *http.Request) error {
	var req api.ClaimKeyRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.Key == "" || req.ClientID == "" {
		return httpError{Status: http.StatusBadRequest, Body: api.ClaimKeyResponse{Error: api.MsgClaimMissing}}
	}
	ctx := context.WithoutCancel(r.Context())
	err := h.keys.Claim(ctx, req.Key, req.ClientID)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, api.ClaimKeyResponse{Message: api.MsgClaimSuccess})
		return nil
	case errors.Is(err, keys.ErrMissingFields):
		return httpError{Status: http.StatusBadRequest, Body: api.ClaimKeyResponse{Error: api.MsgClaimMissing}}
	case errors.Is(err, keys.ErrNotFound):
		return httpError{Status: http.StatusNotFound, Body: api.ClaimKeyResponse{Error: api.MsgKeyNotFound}}
	case errors.Is(err, keys.ErrAlreadyClaimed):
		return httpError{Status: http.StatusBadRequest, Body: api.ClaimKeyResponse{Error: api.MsgAlreadyClaimed}}
	default:
		return httpError{
			Status: http.StatusInternalServerError,
			Body:   api.ClaimKeyResponse{Error: api.MsgClaimErrorPrefix + err.Error()},
			Err:    err,
		}
	}
}

// handleVerifyKey redeems a claimed key. Every outcome except a store
// failure is a 200; callers only learn valid or not.
func (h *Handler) handleVerifyKey(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	ctx := context.WithoutCancel(r.Context())
	res, err := h.keys.Verify(ctx, q.Get("key"), q.Get("clientId"))
	if err != nil {
		return httpError{
			Status: http.StatusInternalServerError,
			Body:   api.VerifyKeyResponse{Error: api.MsgInternalError},
			Err:    err,
		}
	}
	switch {
	case res.Valid:
		h.writeJSON(w, http.StatusOK, api.VerifyKeyResponse{Valid: true})
	case res.Reason == keys.ReasonMissingInput:
		h.writeJSON(w, http.StatusOK, api.VerifyKeyResponse{Error: api.MsgVerifyMissing})
	default:
		h.writeJSON(w, http.StatusOK, api.VerifyKeyResponse{Error: api.MsgVerifyInvalid})
	}
	return nil
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Path != "/" {
		return httpError{Status: http.StatusNotFound, Body: api.ErrorResponse{Error: "Not found."}}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(h.landing)
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
	return nil
}

func (h *Handler) handleReadyz(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Body: api.HealthResponse{Status: "not ready"}}
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ready"})
	return nil
}
