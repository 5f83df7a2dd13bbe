// Package audit is the structured-logging facade over the quote journal.
// Every component records business events through a Trail, which stamps a
// strictly-increasing event id, journals the entry, logs it through slog,
// and republishes it on the bus for live subscribers.
package audit

import (
	"log/slog"
	"sync/atomic"
	"time"

	"deluthium-bridge/internal/bus"
	"deluthium-bridge/internal/journal"
	"deluthium-bridge/pkg/types"
)

// Trail stamps, journals and logs audit entries.
type Trail struct {
	journal journal.Journal
	bus     *bus.Bus
	logger  *slog.Logger
	nextID  atomic.Uint64
	now     func() time.Time
}

// New creates a Trail over the given journal. The bus may be nil.
func New(j journal.Journal, b *bus.Bus, logger *slog.Logger) *Trail {
	return &Trail{
		journal: j,
		bus:     b,
		logger:  logger.With("component", "audit"),
		now:     time.Now,
	}
}

// Entry is the caller-facing shape of an audit record; the Trail fills in
// the event id and timestamp.
type Entry struct {
	EventType   string
	Actor       string
	Description string
	Related     types.RelatedIDs
	Data        map[string]any
	SourceIP    string
	Severity    types.Severity
}

// Record journals the entry. Journal failures are logged, never surfaced:
// an audit problem must not fail the business operation it describes.
func (t *Trail) Record(e Entry) types.AuditEntry {
	if e.Severity == "" {
		e.Severity = types.SeverityInfo
	}
	full := types.AuditEntry{
		EventID:     t.nextID.Add(1),
		EventType:   e.EventType,
		Timestamp:   t.now(),
		Actor:       e.Actor,
		Description: e.Description,
		Related:     e.Related,
		Data:        e.Data,
		SourceIP:    e.SourceIP,
		Severity:    e.Severity,
	}

	if err := t.journal.Write(full); err != nil {
		t.logger.Error("journal write failed", "event_type", full.EventType, "error", err)
	}

	attrs := []any{
		"event_id", full.EventID,
		"actor", full.Actor,
	}
	if full.Related.RequestID != "" {
		attrs = append(attrs, "request_id", full.Related.RequestID)
	}
	if full.Related.QuoteID != "" {
		attrs = append(attrs, "quote_id", full.Related.QuoteID)
	}
	if full.Related.TradeID != "" {
		attrs = append(attrs, "trade_id", full.Related.TradeID)
	}
	switch full.Severity {
	case types.SeverityError:
		t.logger.Error(full.EventType, attrs...)
	case types.SeverityWarning:
		t.logger.Warn(full.EventType, attrs...)
	default:
		t.logger.Info(full.EventType, attrs...)
	}

	if t.bus != nil {
		t.bus.Publish(bus.TopicQuoteEvent, full)
	}
	return full
}

// Query exposes the underlying journal's filtered query.
func (t *Trail) Query(f journal.Filter) ([]types.AuditEntry, error) {
	return t.journal.Query(f)
}
