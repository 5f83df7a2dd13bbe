package journal

import (
	"fmt"
	"testing"
	"time"

	"deluthium-bridge/pkg/types"
)

func entry(id uint64, eventType, requestID string, ts time.Time) types.AuditEntry {
	return types.AuditEntry{
		EventID:   id,
		EventType: eventType,
		Timestamp: ts,
		Related:   types.RelatedIDs{RequestID: requestID},
		Severity:  types.SeverityInfo,
	}
}

func TestMemoryWriteQuery(t *testing.T) {
	t.Parallel()
	j := NewMemory(100, 0)
	now := time.Now()

	j.Write(entry(1, types.EventRFQReceived, "REQ-1", now))
	j.Write(entry(2, types.EventQuoteGenerated, "REQ-1", now))
	j.Write(entry(3, types.EventRFQReceived, "REQ-2", now))

	got, err := j.Query(Filter{RequestID: "REQ-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].EventID != 1 || got[1].EventID != 2 {
		t.Fatalf("entries out of write order: %+v", got)
	}

	got, _ = j.Query(Filter{EventType: types.EventRFQReceived})
	if len(got) != 2 {
		t.Fatalf("by type: got %d, want 2", len(got))
	}
}

func TestMemoryMaxEntries(t *testing.T) {
	t.Parallel()
	j := NewMemory(5, 0)
	now := time.Now()

	for i := 1; i <= 8; i++ {
		j.Write(entry(uint64(i), "e", fmt.Sprintf("REQ-%d", i), now))
	}

	if j.Len() != 5 {
		t.Fatalf("len = %d, want 5", j.Len())
	}
	got, _ := j.Query(Filter{})
	if got[0].EventID != 4 {
		t.Fatalf("oldest surviving entry = %d, want 4", got[0].EventID)
	}
}

func TestMemoryAgePruning(t *testing.T) {
	t.Parallel()
	current := time.Now()
	j := NewMemory(100, time.Hour, WithClock(func() time.Time { return current }))

	j.Write(entry(1, "e", "old", current.Add(-2*time.Hour)))
	j.Write(entry(2, "e", "fresh", current))

	got, _ := j.Query(Filter{})
	if len(got) != 1 || got[0].Related.RequestID != "fresh" {
		t.Fatalf("age pruning kept wrong entries: %+v", got)
	}
}

func TestMemoryQueryLimit(t *testing.T) {
	t.Parallel()
	j := NewMemory(100, 0)
	now := time.Now()
	for i := 1; i <= 10; i++ {
		j.Write(entry(uint64(i), "e", "r", now))
	}

	got, _ := j.Query(Filter{Limit: 3})
	if len(got) != 3 {
		t.Fatalf("limit: got %d, want 3", len(got))
	}
}

func TestMemoryTimeRange(t *testing.T) {
	t.Parallel()
	j := NewMemory(100, 0)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	j.Write(entry(1, "e", "a", base))
	j.Write(entry(2, "e", "b", base.Add(time.Minute)))
	j.Write(entry(3, "e", "c", base.Add(2*time.Minute)))

	got, _ := j.Query(Filter{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
	if len(got) != 1 || got[0].EventID != 2 {
		t.Fatalf("time range: %+v", got)
	}
}

func TestFileJournal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j, err := OpenFile(dir, 100, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	j.Write(entry(1, types.EventRFQReceived, "REQ-1", time.Now()))
	j.Write(entry(2, types.EventQuoteGenerated, "REQ-1", time.Now()))

	got, err := j.Query(Filter{RequestID: "REQ-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
