// Package payment defines the PaymentProcessor collaborator. Real
// provider integrations live outside this repository; the in-memory
// processor here backs development mode and tests.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrChargeDeclined is returned when the provider declines the charge.
var ErrChargeDeclined = errors.New("payment: charge declined")

// Info carries the consumer's payment details. The server never persists
// raw payment details; only the resulting transaction id is recorded.
type Info struct {
	Method    string `json:"method" validate:"required"`
	Reference string `json:"reference,omitempty"`
}

// Processor is the payment collaborator interface.
type Processor interface {
	// Charge executes a payment and returns the provider transaction id.
	// A committed charge must never be silently rolled back by callers.
	Charge(ctx context.Context, info Info, amount float64, currency string) (string, error)
}

// MemoryProcessor records charges in memory. Charges against methods
// starting with "declined" fail, so tests can exercise the payment_failed
// path without a provider.
type MemoryProcessor struct {
	mu      sync.Mutex
	charges []RecordedCharge
}

// RecordedCharge is one charge the memory processor accepted.
type RecordedCharge struct {
	TransactionID string
	Info          Info
	Amount        float64
	Currency      string
}

// NewMemoryProcessor creates an empty in-memory processor.
func NewMemoryProcessor() *MemoryProcessor {
	return &MemoryProcessor{}
}

// Charge records the charge and returns a fresh transaction id.
func (p *MemoryProcessor) Charge(ctx context.Context, info Info, amount float64, currency string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("payment: non-positive amount %f", amount)
	}
	if len(info.Method) >= 8 && info.Method[:8] == "declined" {
		return "", ErrChargeDeclined
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	txID := "txn_" + uuid.New().String()
	p.charges = append(p.charges, RecordedCharge{
		TransactionID: txID,
		Info:          info,
		Amount:        amount,
		Currency:      currency,
	})
	return txID, nil
}

// Charges returns a copy of everything charged so far.
func (p *MemoryProcessor) Charges() []RecordedCharge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RecordedCharge(nil), p.charges...)
}
