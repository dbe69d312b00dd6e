package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/punchamoorthee/payledger/internal/service"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const (
	maxBodyBytes = 1 << 20
	actorHeader  = "X-Actor"
	defaultActor = "api"
)

// Ledger is the engine surface the HTTP adapter needs.
type Ledger interface {
	OpenAccount(ctx context.Context, req domain.OpenAccountRequest) (*domain.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetAccountBalance(ctx context.Context, id uuid.UUID) (domain.BalanceView, error)
	FreezeAccount(ctx context.Context, id uuid.UUID, reason, actor string) (*domain.Account, error)
	UnfreezeAccount(ctx context.Context, id uuid.UUID, actor string) (*domain.Account, error)
	CloseAccount(ctx context.Context, id uuid.UUID, actor string) (*domain.Account, error)

	CreateTransaction(ctx context.Context, req domain.TransactionRequest) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	AdvanceTransaction(ctx context.Context, id uuid.UUID, outcome domain.Outcome) (*domain.Transaction, error)
	AdvanceByGatewayReference(ctx context.Context, reference string, outcome domain.Outcome) (*domain.Transaction, error)
	RecordGatewayAttempt(ctx context.Context, id uuid.UUID, reference, responseCode, responseMessage, actor string) (*domain.Transaction, error)
	CancelTransaction(ctx context.Context, id uuid.UUID, actor string) (*domain.Transaction, error)

	Sweep(ctx context.Context) (service.SweepResult, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	ledger Ledger
	logger *zap.Logger
}

func NewHandler(ledger Ledger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: ledger, logger: logger.Named("api")}
}

// Router wires every route of the service.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/internal/sweep", h.SweepHandler).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts", h.OpenAccountHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/balance", h.GetBalanceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/freeze", h.FreezeAccountHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/unfreeze", h.UnfreezeAccountHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/close", h.CloseAccountHandler).Methods(http.MethodPost)

	v1.HandleFunc("/transactions", h.CreateTransactionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/advance", h.AdvanceTransactionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{id}/cancel", h.CancelTransactionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{id}/gateway-attempts", h.GatewayAttemptHandler).Methods(http.MethodPost)
	v1.HandleFunc("/gateway/callbacks/{reference}", h.GatewayCallbackHandler).Methods(http.MethodPost)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		if endpoint == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func actor(r *http.Request) string {
	if a := r.Header.Get(actorHeader); a != "" {
		return a
	}
	return defaultActor
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, domain.NewValidationError("id", "must be a UUID")
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.NewValidationError("body", "malformed JSON body: "+err.Error())
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrCurrencyMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAccountExists),
		errors.Is(err, domain.ErrNotCancellable),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrIdempotencyKeyReused),
		errors.Is(err, domain.ErrTransferFailed),
		domain.IsBusinessRejection(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error       string              `json:"error"`
	Code        string              `json:"code"`
	Retryable   bool                `json:"retryable,omitempty"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

func (h *Handler) respondWithError(w http.ResponseWriter, err error, tx *domain.Transaction) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		msg = "Internal Server Error"
	}
	if domain.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	respondWithJSON(w, code, errorResponse{
		Error:       msg,
		Code:        domain.ErrorCode(err),
		Retryable:   domain.IsRetryable(err),
		Transaction: tx,
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
