package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentGateway is the external payment provider. It holds debit intents
// against member accounts and transfers pooled funds outward; both resolve
// asynchronously through signed webhooks.
type PaymentGateway interface {
	CreateDebitIntent(ctx context.Context, req DebitIntentRequest) (string, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)
}

// DebitIntentRequest describes one contribution debit. Amount and fee are
// converted to integer cents at the wire boundary; everything upstream is
// exact decimal.
type DebitIntentRequest struct {
	GroupID        uint
	CycleNumber    int
	MembershipID   uint
	DebtorAccount  string
	Mandate        string
	Amount         decimal.Decimal
	ApplicationFee decimal.Decimal
	PayeeAccount   string
	IdempotencyKey string
	Metadata       map[string]string
}

// TransferRequest moves the pooled amount to the payee's account
type TransferRequest struct {
	GroupID        uint
	CycleNumber    int
	PayeeAccount   string
	Amount         decimal.Decimal
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the provider's view of a debit attempt
type Intent struct {
	ID       string
	Status   string // pending, succeeded, failed
	Amount   decimal.Decimal
	Metadata map[string]string
}

// GatewayError is a refusal from the provider. Permanent refusals (bad
// mandate, closed account) must not be retried in place; transient ones may.
type GatewayError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *GatewayError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("gateway error (%s, %s): %s", e.Code, kind, e.Message)
}

// DebitIdempotencyKey derives the provider idempotency key for one debit.
// The same (group, cycle, member) always produces the same key, so a
// replayed create collapses on the provider side as well.
func DebitIdempotencyKey(groupID uint, cycleNumber int, membershipID uint) string {
	return fmt.Sprintf("debit-%d-%d-%d", groupID, cycleNumber, membershipID)
}

// TransferIdempotencyKey derives the provider idempotency key for a payout
func TransferIdempotencyKey(groupID uint, cycleNumber int) string {
	return fmt.Sprintf("transfer-%d-%d", groupID, cycleNumber)
}

// CentsForWire rounds an exact decimal to integer cents, away from zero.
// This is the only place amounts leave decimal space.
func CentsForWire(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
