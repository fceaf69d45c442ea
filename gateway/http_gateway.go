package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	maxTransientAttempts = 3
	requestTimeout       = 30 * time.Second
)

// HTTPGateway talks to the provider's REST API. Requests carry an HMAC
// signature over the body and a client-supplied idempotency key. Calls for
// one group share a token bucket so the debit loop cannot burst past the
// provider's rate limit.
type HTTPGateway struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	perGroup  float64
	limiters  map[uint]*rate.Limiter
	limiterMu sync.Mutex
}

// NewHTTPGateway creates a gateway client. perGroupRate is requests/second
// per group.
func NewHTTPGateway(baseURL, apiKey string, perGroupRate float64) *HTTPGateway {
	return &HTTPGateway{
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: requestTimeout},
		perGroup: perGroupRate,
		limiters: make(map[uint]*rate.Limiter),
	}
}

func (g *HTTPGateway) limiter(groupID uint) *rate.Limiter {
	g.limiterMu.Lock()
	defer g.limiterMu.Unlock()
	l, ok := g.limiters[groupID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.perGroup), 1)
		g.limiters[groupID] = l
	}
	return l
}

// CreateDebitIntent creates a debit intent for one contribution
func (g *HTTPGateway) CreateDebitIntent(ctx context.Context, req DebitIntentRequest) (string, error) {
	if err := g.limiter(req.GroupID).Wait(ctx); err != nil {
		return "", err
	}

	body := map[string]interface{}{
		"debtor_account":  req.DebtorAccount,
		"mandate":         req.Mandate,
		"amount_cents":    CentsForWire(req.Amount),
		"fee_cents":       CentsForWire(req.ApplicationFee),
		"transfer_to":     req.PayeeAccount,
		"idempotency_key": req.IdempotencyKey,
		"metadata":        req.Metadata,
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := g.post(ctx, "/v1/debit_intents", req.IdempotencyKey, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetIntent fetches the provider's view of an intent
func (g *HTTPGateway) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	var resp struct {
		ID          string            `json:"id"`
		Status      string            `json:"status"`
		AmountCents int64             `json:"amount_cents"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := g.get(ctx, "/v1/debit_intents/"+intentID, &resp); err != nil {
		return nil, err
	}
	return &Intent{
		ID:       resp.ID,
		Status:   resp.Status,
		Amount:   centsToDecimal(resp.AmountCents),
		Metadata: resp.Metadata,
	}, nil
}

// CreateTransfer moves the pooled amount to the payee
func (g *HTTPGateway) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := g.limiter(req.GroupID).Wait(ctx); err != nil {
		return "", err
	}

	body := map[string]interface{}{
		"payee_account":   req.PayeeAccount,
		"amount_cents":    CentsForWire(req.Amount),
		"idempotency_key": req.IdempotencyKey,
		"metadata":        req.Metadata,
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := g.post(ctx, "/v1/transfers", req.IdempotencyKey, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// post sends a signed request, retrying transient failures with jitter.
// Permanent refusals surface immediately as *GatewayError.
func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxTransientAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(time.Second)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt)*time.Second + jitter):
			}
		}

		err := g.send(ctx, http.MethodPost, path, idempotencyKey, payload, out)
		if err == nil {
			return nil
		}
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Permanent {
			return err
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt + 1,
		}).WithError(err).Warn("Gateway call failed, retrying")
	}
	return lastErr
}

func (g *HTTPGateway) get(ctx context.Context, path string, out interface{}) error {
	return g.send(ctx, http.MethodGet, path, "", nil, out)
}

func (g *HTTPGateway) send(ctx context.Context, method, path, idempotencyKey string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if len(payload) > 0 {
		req.Header.Set("X-Request-Signature", g.sign(payload))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &GatewayError{Code: "network_error", Message: err.Error(), Permanent: false}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GatewayError{Code: "read_error", Message: err.Error(), Permanent: false}
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return &GatewayError{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			// 4xx is a refusal of this request; 5xx and 429 may clear up
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429,
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &GatewayError{Code: "decode_error", Message: err.Error(), Permanent: false}
		}
	}
	return nil
}

func (g *HTTPGateway) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(g.apiKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func centsToDecimal(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}
