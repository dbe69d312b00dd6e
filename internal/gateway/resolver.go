// Package gateway resolves the status of transactions sent to external rails.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/punchamoorthee/payledger/internal/domain"
)

// ErrUnresolved means the gateway has no record of the transaction or no
// reference was ever assigned.
var ErrUnresolved = errors.New("gateway could not resolve transaction")

// Resolver re-queries a gateway for a transaction's final outcome.
// An OutcomePending result means the gateway has not decided yet.
type Resolver interface {
	Resolve(ctx context.Context, tx *domain.Transaction) (domain.Outcome, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, tx *domain.Transaction) (domain.Outcome, error)

func (f ResolverFunc) Resolve(ctx context.Context, tx *domain.Transaction) (domain.Outcome, error) {
	return f(ctx, tx)
}

// statusResponse is the body served by GET {base}/{gateway_reference}.
type statusResponse struct {
	Status          string `json:"status"`
	ResponseCode    string `json:"response_code"`
	ResponseMessage string `json:"response_message"`
	ErrorCode       string `json:"error_code"`
	ErrorMessage    string `json:"error_message"`
}

// HTTPResolver queries a gateway status endpoint over HTTP.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, tx *domain.Transaction) (domain.Outcome, error) {
	if tx.GatewayReference == "" {
		return domain.Outcome{}, fmt.Errorf("%w: transaction %s has no gateway reference", ErrUnresolved, tx.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+url.PathEscape(tx.GatewayReference), nil)
	if err != nil {
		return domain.Outcome{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("gateway status request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Outcome{}, fmt.Errorf("%w: reference %s", ErrUnresolved, tx.GatewayReference)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Outcome{}, fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Outcome{}, fmt.Errorf("decode gateway status: %w", err)
	}

	outcome := domain.Outcome{
		GatewayReference: tx.GatewayReference,
		ResponseCode:     body.ResponseCode,
		ResponseMessage:  body.ResponseMessage,
		ErrorCode:        body.ErrorCode,
		ErrorMessage:     body.ErrorMessage,
		Actor:            "gateway",
	}
	switch strings.ToUpper(body.Status) {
	case "SUCCEEDED", "SUCCESS", "APPROVED":
		outcome.Kind = domain.OutcomeSucceeded
	case "FAILED", "DECLINED":
		outcome.Kind = domain.OutcomeFailed
		if outcome.ErrorCode == "" {
			outcome.ErrorCode = domain.ErrorCode(domain.ErrGatewayDeclined)
		}
	case "PENDING", "PROCESSING":
		outcome.Kind = domain.OutcomePending
	default:
		return domain.Outcome{}, fmt.Errorf("%w: unknown gateway status %q", ErrUnresolved, body.Status)
	}
	return outcome, nil
}
