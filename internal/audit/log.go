// Package audit keeps the append-only record of every policy-relevant
// action. Entries are never mutated or deleted; statistics are derived
// by querying, not by maintaining counters that could drift.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rslserver/internal/store"
	"rslserver/pkg/contracts/domain"
)

// Log appends and queries audit entries through the store.
type Log struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLog creates an audit log backed by the given store.
func NewLog(st store.Store, logger *slog.Logger) *Log {
	return &Log{
		store:  st,
		logger: logger.With(slog.String("component", "audit_log")),
		now:    time.Now,
	}
}

// Append records one action. The context payload may be any
// JSON-marshalable value; a marshal failure is an error rather than a
// silently empty entry, because a compliance log with holes is worse
// than a failed request.
func (l *Log) Append(ctx context.Context, licenseID string, actor domain.Actor, action string, payload interface{}) (*domain.AuditEntry, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal audit context: %w", err)
		}
		raw = data
	}

	entry := &domain.AuditEntry{
		ID:        uuid.New().String(),
		LicenseID: licenseID,
		Actor:     actor,
		Action:    action,
		Context:   raw,
		Timestamp: l.now().UTC(),
	}

	if err := l.store.AppendAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	l.logger.InfoContext(ctx, "audit entry appended",
		slog.String("license_id", licenseID),
		slog.String("action", action),
		slog.String("entry_id", entry.ID),
	)
	return entry, nil
}

// Query returns entries for a license, most recent first. limit <= 0
// returns the full history.
func (l *Log) Query(ctx context.Context, licenseID string, limit int) ([]*domain.AuditEntry, error) {
	return l.store.ListAudit(ctx, licenseID, limit)
}

// UsageStats aggregates the audit log into usage statistics.
type UsageStats struct {
	TotalEntries   int                  `json:"total_entries"`
	CountsByAction map[string]int       `json:"counts_by_action"`
	Revenue        map[string]float64   `json:"revenue_by_currency"`
	FirstEntry     *time.Time           `json:"first_entry,omitempty"`
	LastEntry      *time.Time           `json:"last_entry,omitempty"`
}

// paymentContext is the context shape written by payment_completed entries.
type paymentContext struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Stats derives usage statistics: entry counts per action and revenue
// sums over completed payment actions, grouped by currency.
func (l *Log) Stats(ctx context.Context) (*UsageStats, error) {
	entries, err := l.store.ListAllAudit(ctx)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	stats := &UsageStats{
		TotalEntries:   len(entries),
		CountsByAction: make(map[string]int),
		Revenue:        make(map[string]float64),
	}
	for _, entry := range entries {
		stats.CountsByAction[entry.Action]++

		if entry.Action == domain.ActionPaymentCompleted && len(entry.Context) > 0 {
			var pc paymentContext
			if err := json.Unmarshal(entry.Context, &pc); err == nil && pc.Currency != "" {
				stats.Revenue[pc.Currency] += pc.Amount
			}
		}

		ts := entry.Timestamp
		if stats.FirstEntry == nil || ts.Before(*stats.FirstEntry) {
			t := ts
			stats.FirstEntry = &t
		}
		if stats.LastEntry == nil || ts.After(*stats.LastEntry) {
			t := ts
			stats.LastEntry = &t
		}
	}
	return stats, nil
}
