package flowgraph

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/holiman/uint256"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

// Cycle-detection bounds. The neighborhood is expanded breadth-first
// around the origin before the cycle search runs on the in-memory
// adjacency, so one detection costs a bounded number of upstream calls.
const (
	cycleMaxAddresses = 25 // addresses whose history is fetched
	cycleMaxFanout    = 10 // counterparties enqueued per address
	cycleMaxEdges     = 6  // longest cycle searched
	cycleMaxSigs      = 8  // signatures reported per cycle
)

// edgeStats aggregates all transfers observed between one ordered pair.
type edgeStats struct {
	amount     *uint256.Int
	transfers  int
	signatures []string
}

// DetectCircularFlows finds simple cycles through address in the mint's
// transfer graph. A cycle must return to the origin over more than two
// edges; A->B->A round trips are not reported.
func (e *Engine) DetectCircularFlows(ctx context.Context, address, mint string) ([]models.CircularFlow, error) {
	adjacency, err := e.buildNeighborhood(ctx, address, mint)
	if err != nil {
		return nil, err
	}

	finder := &cycleFinder{
		origin:    address,
		adjacency: adjacency,
		inPath:    map[string]bool{address: true},
		seen:      make(map[string]bool),
	}
	finder.walk([]string{address})

	sort.SliceStable(finder.cycles, func(i, j int) bool {
		return len(finder.cycles[i].Addresses) < len(finder.cycles[j].Addresses)
	})
	return finder.cycles, nil
}

// buildNeighborhood expands breadth-first from the origin, recording
// every directed transfer edge it sees. Fetch failures after the first
// hop degrade to a partial neighborhood.
func (e *Engine) buildNeighborhood(ctx context.Context, origin, mint string) (map[string]map[string]*edgeStats, error) {
	adjacency := make(map[string]map[string]*edgeStats)
	fetched := map[string]bool{}
	// One transfer shows up in both endpoints' histories; count it once.
	counted := map[string]bool{}
	queue := []string{origin}

	for len(queue) > 0 && len(fetched) < cycleMaxAddresses {
		if err := ctx.Err(); err != nil {
			break
		}
		current := queue[0]
		queue = queue[1:]
		if fetched[current] {
			continue
		}
		fetched[current] = true

		transfers, err := e.source.GetTokenTransfers(ctx, current, mint, transferFetchLimit)
		if err != nil {
			if len(fetched) == 1 {
				return nil, fmt.Errorf("cycle neighborhood of %s: %w", origin, err)
			}
			log.Printf("[FlowGraph] cycle neighborhood %s: %v", current, err)
			continue
		}

		enqueued := 0
		for _, tr := range transfers {
			if tr.FromAddress == "" || tr.ToAddress == "" || tr.FromAddress == tr.ToAddress {
				continue
			}
			amount, err := models.ParseAmount(tr.Amount)
			if err != nil || amount.IsZero() {
				continue
			}
			dedupeKey := fmt.Sprintf("%s|%s|%s|%d", tr.Signature, tr.FromAddress, tr.ToAddress, tr.InstructionIndex)
			if counted[dedupeKey] {
				continue
			}
			counted[dedupeKey] = true

			row, ok := adjacency[tr.FromAddress]
			if !ok {
				row = make(map[string]*edgeStats)
				adjacency[tr.FromAddress] = row
			}
			stats, ok := row[tr.ToAddress]
			if !ok {
				stats = &edgeStats{amount: new(uint256.Int)}
				row[tr.ToAddress] = stats
			}
			stats.amount.Add(stats.amount, amount)
			stats.transfers++
			if len(stats.signatures) < cycleMaxSigs {
				stats.signatures = append(stats.signatures, tr.Signature)
			}

			for _, next := range []string{tr.ToAddress, tr.FromAddress} {
				if !fetched[next] && enqueued < cycleMaxFanout {
					queue = append(queue, next)
					enqueued++
				}
			}
		}
	}
	return adjacency, nil
}

type cycleFinder struct {
	origin    string
	adjacency map[string]map[string]*edgeStats
	inPath    map[string]bool
	seen      map[string]bool
	cycles    []models.CircularFlow
}

// walk runs the depth-first cycle search over outbound edges.
// Neighbors are visited in sorted order so results are stable.
func (f *cycleFinder) walk(path []string) {
	current := path[len(path)-1]
	neighbors := make([]string, 0, len(f.adjacency[current]))
	for next := range f.adjacency[current] {
		neighbors = append(neighbors, next)
	}
	sort.Strings(neighbors)
	for _, next := range neighbors {
		if next == f.origin && len(path) > 2 {
			f.record(append(append([]string{}, path...), f.origin))
			continue
		}
		if f.inPath[next] || len(path) >= cycleMaxEdges {
			continue
		}
		f.inPath[next] = true
		f.walk(append(path, next))
		delete(f.inPath, next)
	}
}

// record seals one discovered loop, once per member set.
func (f *cycleFinder) record(loop []string) {
	members := make(map[string]bool, len(loop))
	for _, a := range loop {
		members[a] = true
	}
	keys := make([]string, 0, len(members))
	for a := range members {
		keys = append(keys, a)
	}
	sort.Strings(keys)
	canonical := strings.Join(keys, ">")
	if f.seen[canonical] {
		return
	}
	f.seen[canonical] = true

	// Total amount sums every observed edge between cycle members;
	// cycle count is the thinnest edge on the loop itself.
	total := new(uint256.Int)
	for from, row := range f.adjacency {
		if !members[from] {
			continue
		}
		for to, stats := range row {
			if members[to] {
				total.Add(total, stats.amount)
			}
		}
	}

	count := 0
	var signatures []string
	for i := 0; i+1 < len(loop); i++ {
		stats := f.adjacency[loop[i]][loop[i+1]]
		if stats == nil {
			continue
		}
		if count == 0 || stats.transfers < count {
			count = stats.transfers
		}
		for _, sig := range stats.signatures {
			if len(signatures) < cycleMaxSigs {
				signatures = append(signatures, sig)
			}
		}
	}

	f.cycles = append(f.cycles, models.CircularFlow{
		Addresses:   loop,
		TotalAmount: total.Dec(),
		CycleCount:  count,
		Signatures:  signatures,
	})
}
