package splitrouter

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"deluthium-bridge/internal/bus"
)

func TestScanOnceNoEdgeNoEvent(t *testing.T) {
	t.Parallel()
	// With linear venues one side dominates at every allocation, so
	// the scan must complete without publishing an opportunity.
	up := &linearUpstream{rate: 2}
	amm := &linearAMM{num: 19, den: 10}
	r := New(Config{ChainID: 137, MinSplitBps: 500}, up, amm, &recordingSettler{}, testLogger())

	b := bus.New(testLogger())
	var events []Opportunity
	var mu sync.Mutex
	b.Subscribe(bus.TopicSplitOpportunity, func(p any) {
		mu.Lock()
		events = append(events, p.(Opportunity))
		mu.Unlock()
	})

	s := NewScanner(r, []ScanPair{
		{SrcToken: "0xsrc", DstToken: "0xdst", Amount: bigPow10(18)},
	}, 0, b, testLogger())

	s.ScanOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0 for a dominant single venue", len(events))
	}
}

func TestScanOnceSurvivesPairFailure(t *testing.T) {
	t.Parallel()
	up := &linearUpstream{rate: 2}
	amm := &linearAMM{num: 19, den: 10}
	r := New(Config{ChainID: 137}, up, amm, &recordingSettler{}, testLogger())

	b := bus.New(testLogger())
	s := NewScanner(r, []ScanPair{
		{SrcToken: "0xbad", DstToken: "0xdst", Amount: big.NewInt(0)}, // rejected by Optimize
		{SrcToken: "0xsrc", DstToken: "0xdst", Amount: bigPow10(18)},
	}, 0, b, testLogger())

	// Must not panic or abort on the first pair's validation error.
	s.ScanOnce(context.Background())
}
