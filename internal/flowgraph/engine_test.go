package flowgraph

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

const testMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type fakeSource struct {
	transfers map[string][]models.Transfer
	calls     int
}

func (f *fakeSource) GetTokenTransfers(ctx context.Context, address, mint string, limit int) ([]models.Transfer, error) {
	f.calls++
	return f.transfers[address], nil
}

type fakeEntities struct {
	kinds map[string]string
}

func (f fakeEntities) KindOf(ctx context.Context, address string) (string, string) {
	return f.kinds[address], ""
}

func seedTransfer(from, to, amount string, blockTime int64) models.Transfer {
	return models.Transfer{
		Signature:   fmt.Sprintf("sig-%s-%s", from, to),
		FromAddress: from,
		ToAddress:   to,
		TokenMint:   testMint,
		Amount:      amount,
		BlockTime:   blockTime,
		TxType:      models.TxTypeTransfer,
	}
}

func chainSource(now int64, addresses ...string) *fakeSource {
	src := &fakeSource{transfers: make(map[string][]models.Transfer)}
	for i := 0; i+1 < len(addresses); i++ {
		tr := seedTransfer(addresses[i], addresses[i+1], "1000000", now-int64(i)*60)
		src.transfers[addresses[i]] = append(src.transfers[addresses[i]], tr)
		src.transfers[addresses[i+1]] = append(src.transfers[addresses[i+1]], tr)
	}
	return src
}

func TestBuildForwardPaths_DeepChain(t *testing.T) {
	now := time.Now().Unix()
	src := chainSource(now, "A", "B", "C", "D", "E")
	engine := New(src, fakeEntities{}, nil)

	paths, err := engine.BuildForwardPaths(context.Background(), "A", testMint, 5, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected exactly one path, got %d", len(paths))
	}

	p := paths[0]
	if p.HopCount != 5 || len(p.Hops) != 5 {
		t.Fatalf("expected hopCount 5, got %d (%d hops)", p.HopCount, len(p.Hops))
	}
	want := []string{"A", "B", "C", "D", "E"}
	for i, h := range p.Hops {
		if h.Address != want[i] {
			t.Fatalf("hop %d: expected %s, got %s", i, want[i], h.Address)
		}
	}
	if p.TotalAmount != "5000000" {
		t.Fatalf("expected totalAmount 5000000, got %s", p.TotalAmount)
	}
	if math.Abs(p.ConfidenceScore-1.0) > 1e-9 {
		t.Fatalf("expected confidence 1.0 for equal amounts, got %v", p.ConfidenceScore)
	}
	if p.StartAddress != "A" || p.EndAddress != "E" {
		t.Fatalf("expected A..E, got %s..%s", p.StartAddress, p.EndAddress)
	}
	if p.Direction != models.DirectionForward {
		t.Fatalf("expected forward direction, got %s", p.Direction)
	}
	if p.PathID == "" {
		t.Fatal("expected a pathId")
	}
}

func TestBuildForwardPaths_OnePathPerLeaf(t *testing.T) {
	now := time.Now().Unix()
	src := &fakeSource{transfers: map[string][]models.Transfer{
		"A": {seedTransfer("A", "B", "1000", now)},
		"B": {
			seedTransfer("B", "C", "600", now+10),
			seedTransfer("B", "D", "400", now+20),
		},
	}}
	engine := New(src, fakeEntities{}, nil)

	paths, err := engine.BuildForwardPaths(context.Background(), "A", testMint, 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected two leaf paths, got %d", len(paths))
	}
	if paths[0].EndAddress != "C" || paths[1].EndAddress != "D" {
		t.Fatalf("expected leaves C and D in adapter order, got %s and %s",
			paths[0].EndAddress, paths[1].EndAddress)
	}
}

func TestBuildForwardPaths_AggregatesByDestination(t *testing.T) {
	now := time.Now().Unix()
	src := &fakeSource{transfers: map[string][]models.Transfer{
		"A": {
			{Signature: "s1", FromAddress: "A", ToAddress: "B", TokenMint: testMint, Amount: "600000", BlockTime: now - 50},
			{Signature: "s2", FromAddress: "A", ToAddress: "B", TokenMint: testMint, Amount: "400000", BlockTime: now - 90},
		},
	}}
	engine := New(src, fakeEntities{}, nil)

	paths, err := engine.BuildForwardPaths(context.Background(), "A", testMint, 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected one aggregated path, got %d", len(paths))
	}
	hop := paths[0].Hops[1]
	if hop.AmountIn != "1000000" {
		t.Fatalf("expected summed amountIn 1000000, got %s", hop.AmountIn)
	}
	if hop.Timestamp != now-90 {
		t.Fatalf("expected earliest blockTime %d, got %d", now-90, hop.Timestamp)
	}
	if paths[0].TotalAmount != "2000000" {
		t.Fatalf("expected totalAmount 2000000 (out of A plus into B), got %s", paths[0].TotalAmount)
	}
}

func TestBuildBackwardPaths_ReversesIntoFlowOrder(t *testing.T) {
	now := time.Now().Unix()
	src := chainSource(now, "A", "B", "C")
	engine := New(src, fakeEntities{}, nil)

	paths, err := engine.BuildBackwardPaths(context.Background(), "C", testMint, 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected one path, got %d", len(paths))
	}

	p := paths[0]
	if p.Direction != models.DirectionBackward {
		t.Fatalf("expected backward direction, got %s", p.Direction)
	}
	want := []string{"A", "B", "C"}
	for i, h := range p.Hops {
		if h.Address != want[i] {
			t.Fatalf("hop %d: expected %s, got %s (hops must read in flow order)", i, want[i], h.Address)
		}
	}
	if p.StartAddress != "A" || p.EndAddress != "C" {
		t.Fatalf("expected A..C after reversal, got %s..%s", p.StartAddress, p.EndAddress)
	}
	if p.Hops[2].AmountIn != "1000000" || p.Hops[0].AmountOut != "1000000" {
		t.Fatalf("expected edge amounts preserved through reversal, got in=%s out=%s",
			p.Hops[2].AmountIn, p.Hops[0].AmountOut)
	}
}

func TestTrace_SkipsSelfTransfersAndPathRevisits(t *testing.T) {
	now := time.Now().Unix()
	src := &fakeSource{transfers: map[string][]models.Transfer{
		"A": {
			seedTransfer("A", "A", "9999", now), // self-transfer, never expanded
			seedTransfer("A", "B", "1000", now),
		},
		"B": {seedTransfer("B", "A", "900", now+10)}, // would revisit A
	}}
	engine := New(src, fakeEntities{}, nil)

	paths, err := engine.BuildForwardPaths(context.Background(), "A", testMint, 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected one path, got %d", len(paths))
	}
	if len(paths[0].Hops) != 2 || paths[0].EndAddress != "B" {
		t.Fatalf("expected the trace to stop at B, got %+v", paths[0].Hops)
	}
}

func TestTrace_TimeWindowExcludesOldTransfers(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour).Unix()
	src := &fakeSource{transfers: map[string][]models.Transfer{
		"A": {seedTransfer("A", "B", "1000", old)},
	}}
	engine := New(src, fakeEntities{}, nil)

	paths, err := engine.BuildForwardPaths(context.Background(), "A", testMint, 5, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected no paths inside a 24h window, got %d", len(paths))
	}
}

func TestTrace_DepthClampStopsExpansion(t *testing.T) {
	now := time.Now().Unix()
	addresses := make([]string, 0, 14)
	for i := 0; i < 14; i++ {
		addresses = append(addresses, fmt.Sprintf("N%02d", i))
	}
	src := chainSource(now, addresses...)
	engine := New(src, fakeEntities{}, nil)

	paths, err := engine.BuildForwardPaths(context.Background(), "N00", testMint, 11, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected one path, got %d", len(paths))
	}
	// Depth 11 clamps to 10 expansions: eleven nodes on the path.
	if got := len(paths[0].Hops); got != MaxTraceDepth+1 {
		t.Fatalf("expected %d hops after clamping, got %d", MaxTraceDepth+1, got)
	}
}

func TestDetectCircularFlows_Triangle(t *testing.T) {
	now := time.Now().Unix()
	ab := seedTransfer("A", "B", "500", now-30)
	bc := seedTransfer("B", "C", "490", now-20)
	ca := seedTransfer("C", "A", "480", now-10)
	src := &fakeSource{transfers: map[string][]models.Transfer{
		"A": {ab, ca},
		"B": {ab, bc},
		"C": {bc, ca},
	}}
	engine := New(src, fakeEntities{}, nil)

	cycles, err := engine.DetectCircularFlows(context.Background(), "A", testMint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("expected one cycle, got %d", len(cycles))
	}

	c := cycles[0]
	want := []string{"A", "B", "C", "A"}
	if len(c.Addresses) != len(want) {
		t.Fatalf("expected loop %v, got %v", want, c.Addresses)
	}
	for i := range want {
		if c.Addresses[i] != want[i] {
			t.Fatalf("expected loop %v, got %v", want, c.Addresses)
		}
	}
	if c.TotalAmount != "1470" {
		t.Fatalf("expected cycle total 1470, got %s", c.TotalAmount)
	}
	if c.CycleCount != 1 {
		t.Fatalf("expected one completed loop, got %d", c.CycleCount)
	}
}

func TestDetectCircularFlows_RoundTripIgnored(t *testing.T) {
	now := time.Now().Unix()
	ab := seedTransfer("A", "B", "500", now-30)
	ba := seedTransfer("B", "A", "500", now-20)
	src := &fakeSource{transfers: map[string][]models.Transfer{
		"A": {ab, ba},
		"B": {ab, ba},
	}}
	engine := New(src, fakeEntities{}, nil)

	cycles, err := engine.DetectCircularFlows(context.Background(), "A", testMint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cycles) != 0 {
		t.Fatalf("expected A->B->A round trip to be ignored, got %d cycles", len(cycles))
	}
}
