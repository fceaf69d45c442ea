package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// FakeGateway is an in-memory gateway for tests. Outcomes are scripted per
// debtor account; unscripted accounts succeed.
type FakeGateway struct {
	mu        sync.Mutex
	nextID    int
	Intents   map[string]DebitIntentRequest
	Transfers map[string]TransferRequest
	// FailWith maps a debtor account to the error its next create returns.
	// One-shot entries are removed after use when FailOnce is set.
	FailWith map[string]*GatewayError
	FailOnce bool
}

// NewFakeGateway creates an empty fake
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Intents:   make(map[string]DebitIntentRequest),
		Transfers: make(map[string]TransferRequest),
		FailWith:  make(map[string]*GatewayError),
	}
}

// CreateDebitIntent records the request and returns a deterministic id.
// Repeated calls with the same idempotency key return the existing intent.
func (f *FakeGateway) CreateDebitIntent(ctx context.Context, req DebitIntentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if gwErr, ok := f.FailWith[req.DebtorAccount]; ok {
		if f.FailOnce {
			delete(f.FailWith, req.DebtorAccount)
		}
		return "", gwErr
	}

	for id, existing := range f.Intents {
		if existing.IdempotencyKey == req.IdempotencyKey {
			return id, nil
		}
	}

	f.nextID++
	id := fmt.Sprintf("in_%06d", f.nextID)
	f.Intents[id] = req
	return id, nil
}

// GetIntent returns a pending intent view
func (f *FakeGateway) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.Intents[intentID]
	if !ok {
		return nil, &GatewayError{Code: "not_found", Message: "no such intent", Permanent: true}
	}
	return &Intent{
		ID:     intentID,
		Status: "pending",
		Amount: req.Amount,
	}, nil
}

// CreateTransfer records the transfer and returns a deterministic id
func (f *FakeGateway) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, existing := range f.Transfers {
		if existing.IdempotencyKey == req.IdempotencyKey {
			return id, nil
		}
	}

	f.nextID++
	id := fmt.Sprintf("tr_%06d", f.nextID)
	f.Transfers[id] = req
	return id, nil
}

// IntentFor returns the recorded request for an intent id
func (f *FakeGateway) IntentFor(intentID string) (DebitIntentRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.Intents[intentID]
	return req, ok
}

// TotalTransferred sums all recorded transfers
func (f *FakeGateway) TotalTransferred() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, t := range f.Transfers {
		total = total.Add(t.Amount)
	}
	return total
}
