package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rslserver/internal/store"
	"rslserver/pkg/contracts/domain"
)

func newTestLog(t *testing.T) (*Log, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	l := NewLog(store.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAppendRecordsEntry(t *testing.T) {
	l, now := newTestLog(t)
	actor := domain.Actor{UserID: "client-1", IP: "203.0.113.9"}

	entry, err := l.Append(context.Background(), "lic-1", actor, domain.ActionAccessGranted,
		map[string]any{"permissions": []string{"search"}})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "lic-1", entry.LicenseID)
	assert.Equal(t, actor, entry.Actor)
	assert.Equal(t, *now, entry.Timestamp)
	assert.JSONEq(t, `{"permissions":["search"]}`, string(entry.Context))
}

func TestAppendRejectsUnmarshalableContext(t *testing.T) {
	l, _ := newTestLog(t)

	_, err := l.Append(context.Background(), "lic-1", domain.Actor{}, domain.ActionAccessDenied,
		map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal audit context")

	// A failed append must leave no partial entry behind.
	entries, err := l.Query(context.Background(), "lic-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueryReturnsMostRecentFirst(t *testing.T) {
	l, now := newTestLog(t)

	actions := []string{domain.ActionLicenseCreated, domain.ActionAccessGranted, domain.ActionAccessDenied}
	for _, action := range actions {
		_, err := l.Append(context.Background(), "lic-1", domain.Actor{}, action, nil)
		require.NoError(t, err)
		*now = now.Add(time.Minute)
	}

	entries, err := l.Query(context.Background(), "lic-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.ActionAccessDenied, entries[0].Action)
	assert.Equal(t, domain.ActionLicenseCreated, entries[2].Action)

	limited, err := l.Query(context.Background(), "lic-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStatsAggregatesRevenueByCurrency(t *testing.T) {
	l, now := newTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "lic-1", domain.Actor{}, domain.ActionPaymentCompleted,
		map[string]any{"amount": 0.05, "currency": "USD"})
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	_, err = l.Append(ctx, "lic-1", domain.Actor{}, domain.ActionPaymentCompleted,
		map[string]any{"amount": 0.10, "currency": "USD"})
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	_, err = l.Append(ctx, "lic-2", domain.Actor{}, domain.ActionPaymentCompleted,
		map[string]any{"amount": 2.00, "currency": "EUR"})
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	_, err = l.Append(ctx, "lic-2", domain.Actor{}, domain.ActionAccessGranted, nil)
	require.NoError(t, err)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalEntries)
	assert.Equal(t, 3, stats.CountsByAction[domain.ActionPaymentCompleted])
	assert.Equal(t, 1, stats.CountsByAction[domain.ActionAccessGranted])
	assert.InDelta(t, 0.15, stats.Revenue["USD"], 1e-9)
	assert.InDelta(t, 2.00, stats.Revenue["EUR"], 1e-9)
	require.NotNil(t, stats.FirstEntry)
	require.NotNil(t, stats.LastEntry)
	assert.True(t, stats.FirstEntry.Before(*stats.LastEntry))
}

func TestStatsOnEmptyLog(t *testing.T) {
	l, _ := newTestLog(t)

	stats, err := l.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
	assert.Empty(t, stats.Revenue)
	assert.Nil(t, stats.FirstEntry)
	assert.Nil(t, stats.LastEntry)
}
