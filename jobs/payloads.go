package jobs

// CycleTickPayload identifies the group whose cycle is due
type CycleTickPayload struct {
	GroupID uint `json:"group_id"`
}

// RetryPaymentPayload identifies the failed payment to retry
type RetryPaymentPayload struct {
	PaymentID uint `json:"payment_id"`
}

// GroupPausePayload identifies the group to pause and why
type GroupPausePayload struct {
	GroupID uint   `json:"group_id"`
	Reason  string `json:"reason"`
}
