package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/payledger/internal/domain"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) SweepHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.Sweep(r.Context())
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// --- accounts ---

func (h *Handler) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenAccountRequest
	if err := decode(w, r, &req); err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	req.Actor = actor(r)

	acc, err := h.ledger.OpenAccount(r.Context(), req)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%s", acc.ID))
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	acc, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	view, err := h.ledger.GetAccountBalance(r.Context(), id)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) FreezeAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	var req freezeRequest
	if err := decode(w, r, &req); err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	acc, err := h.ledger.FreezeAccount(r.Context(), id, req.Reason, actor(r))
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) UnfreezeAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	acc, err := h.ledger.UnfreezeAccount(r.Context(), id, actor(r))
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) CloseAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	acc, err := h.ledger.CloseAccount(r.Context(), id, actor(r))
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

// --- transactions ---

// CreateTransactionHandler answers a replayed key with the same status and
// body as the original request, so clients can retry blindly.
func (h *Handler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(idempotencyHeader)
	if key == "" {
		h.respondWithError(w, domain.NewValidationError("Idempotency-Key", "header is required"), nil)
		return
	}

	var req domain.TransactionRequest
	if err := decode(w, r, &req); err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	if req.IdempotencyKey != "" && req.IdempotencyKey != key {
		h.respondWithError(w, domain.NewValidationError("idempotency_key", "does not match the Idempotency-Key header"), nil)
		return
	}
	req.IdempotencyKey = key
	req.Actor = actor(r)

	tx, err := h.ledger.CreateTransaction(r.Context(), req)
	if err != nil {
		h.respondWithError(w, err, tx)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", tx.ID))
	respondWithJSON(w, http.StatusCreated, tx)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	tx, err := h.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) AdvanceTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	var outcome domain.Outcome
	if err := decode(w, r, &outcome); err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	outcome.Actor = actor(r)

	tx, err := h.ledger.AdvanceTransaction(r.Context(), id, outcome)
	if err != nil {
		h.respondWithError(w, err, tx)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) GatewayCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var outcome domain.Outcome
	if err := decode(w, r, &outcome); err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	outcome.Actor = actor(r)

	tx, err := h.ledger.AdvanceByGatewayReference(r.Context(), mux.Vars(r)["reference"], outcome)
	if err != nil {
		h.respondWithError(w, err, tx)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	tx, err := h.ledger.CancelTransaction(r.Context(), id, actor(r))
	if err != nil {
		h.respondWithError(w, err, tx)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

type gatewayAttemptRequest struct {
	GatewayReference string `json:"gateway_reference"`
	ResponseCode     string `json:"response_code"`
	ResponseMessage  string `json:"response_message"`
}

func (h *Handler) GatewayAttemptHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	var req gatewayAttemptRequest
	if err := decode(w, r, &req); err != nil {
		h.respondWithError(w, err, nil)
		return
	}
	tx, err := h.ledger.RecordGatewayAttempt(r.Context(), id, req.GatewayReference, req.ResponseCode, req.ResponseMessage, actor(r))
	if err != nil {
		h.respondWithError(w, err, tx)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}
