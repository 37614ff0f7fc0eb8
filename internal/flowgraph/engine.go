// Package flowgraph reconstructs multi-hop token flow paths.
//
// Given a wallet and a mint, the engine walks the transfer graph
// hop-by-hop and emits every maximal path it can justify:
//
//  1. Start at the requested address
//  2. Fetch its transfers of the mint through the upstream adapter
//  3. Aggregate them per counterparty (sum amounts, earliest time)
//  4. Recurse on each counterparty (next hop)
//  5. Stop at leaves, depth, or the global safety bounds
//
// Forward traversal follows outbound transfers from the origin;
// backward traversal follows inbound transfers and reverses the final
// path so hops always read in flow order.
package flowgraph

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

// Safety bounds shared by every traversal.
const (
	MaxTraceDepth   = 10    // hard ceiling on requested depth
	maxVisitedNodes = 10000 // cumulative expansions per trace
	maxEmittedPaths = 1000  // paths per trace

	transferFetchLimit = 100 // transfers pulled per node
)

// TransferSource supplies per-address transfers of one mint. Satisfied
// by the upstream adapter.
type TransferSource interface {
	GetTokenTransfers(ctx context.Context, address, mint string, limit int) ([]models.Transfer, error)
}

// EntityResolver annotates path nodes with known entity roles.
// Satisfied by the entity registry.
type EntityResolver interface {
	KindOf(ctx context.Context, address string) (kind, name string)
}

// PathSink persists finished paths. Satisfied by the Postgres store;
// nil disables persistence.
type PathSink interface {
	SaveFlowPath(ctx context.Context, path *models.FlowPath) error
}

// Engine runs flow traversals. Stateless between calls; safe for
// concurrent use.
type Engine struct {
	source   TransferSource
	entities EntityResolver
	sink     PathSink
}

func New(source TransferSource, entities EntityResolver, sink PathSink) *Engine {
	return &Engine{source: source, entities: entities, sink: sink}
}

// BuildForwardPaths traces where funds went from start.
func (e *Engine) BuildForwardPaths(ctx context.Context, start, mint string, maxDepth int, window time.Duration) ([]models.FlowPath, error) {
	return e.trace(ctx, start, mint, models.DirectionForward, maxDepth, window)
}

// BuildBackwardPaths traces where funds into end came from.
func (e *Engine) BuildBackwardPaths(ctx context.Context, end, mint string, maxDepth int, window time.Duration) ([]models.FlowPath, error) {
	return e.trace(ctx, end, mint, models.DirectionBackward, maxDepth, window)
}

func (e *Engine) trace(ctx context.Context, origin, mint, direction string, maxDepth int, window time.Duration) ([]models.FlowPath, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > MaxTraceDepth {
		maxDepth = MaxTraceDepth
	}
	var cutoff int64
	if window > 0 {
		cutoff = time.Now().Add(-window).Unix()
	}

	t := &traversal{
		engine:    e,
		ctx:       ctx,
		mint:      mint,
		direction: direction,
		maxDepth:  maxDepth,
		cutoff:    cutoff,
		onPath:    make(map[string]bool),
	}

	rootKind, rootName := e.entities.KindOf(ctx, origin)
	root := models.PathNode{
		Address:    origin,
		EntityKind: rootKind,
		EntityName: rootName,
		AmountIn:   "0",
		AmountOut:  "0",
	}

	t.onPath[origin] = true
	t.expand([]models.PathNode{root}, 0)
	delete(t.onPath, origin)

	if t.fetchErr != nil && len(t.paths) == 0 && t.expansions <= 1 {
		// The very first hop failed; nothing to degrade to.
		return nil, fmt.Errorf("trace %s from %s: %w", direction, origin, t.fetchErr)
	}

	paths := t.paths
	for i := range paths {
		e.persist(ctx, &paths[i])
	}
	return paths, nil
}

func (e *Engine) persist(ctx context.Context, path *models.FlowPath) {
	if e.sink == nil {
		return
	}
	if err := e.sink.SaveFlowPath(ctx, path); err != nil {
		log.Printf("[FlowGraph] persist path %s: %v", path.PathID, err)
	}
}

// traversal carries the per-trace mutable state. The visited set is
// recursion-local: an address joins on entry and leaves on every exit
// path, so distinct branches may pass through shared prefixes.
type traversal struct {
	engine    *Engine
	ctx       context.Context
	mint      string
	direction string
	maxDepth  int
	cutoff    int64

	expansions int
	onPath     map[string]bool
	paths      []models.FlowPath
	fetchErr   error
}

// hop is one aggregated counterparty edge.
type hop struct {
	address   string
	amount    *uint256.Int
	earliest  int64
	signature string
}

// expand grows the current path by one hop per aggregated counterparty.
// Bounds are evaluated before the expansion; violating any of them
// seals the branch and emits what was accumulated.
func (t *traversal) expand(path []models.PathNode, depth int) {
	if t.ctx.Err() != nil ||
		depth >= t.maxDepth ||
		t.expansions >= maxVisitedNodes ||
		len(t.paths) >= maxEmittedPaths {
		t.emit(path)
		return
	}
	t.expansions++

	current := path[len(path)-1].Address
	transfers, err := t.engine.source.GetTokenTransfers(t.ctx, current, t.mint, transferFetchLimit)
	if err != nil {
		if t.fetchErr == nil {
			t.fetchErr = err
		}
		log.Printf("[FlowGraph] transfers for %s: %v", current, err)
		t.emit(path)
		return
	}

	hops := t.aggregate(current, transfers)
	if len(hops) == 0 {
		t.emit(path)
		return
	}

	for _, h := range hops {
		if len(t.paths) >= maxEmittedPaths {
			break
		}
		branch := make([]models.PathNode, len(path), len(path)+1)
		copy(branch, path)

		kind, name := t.engine.entities.KindOf(t.ctx, h.address)
		next := models.PathNode{
			Address:    h.address,
			EntityKind: kind,
			EntityName: name,
			AmountIn:   "0",
			AmountOut:  "0",
		}

		if t.direction == models.DirectionForward {
			branch[len(branch)-1].AmountOut = h.amount.Dec()
			next.AmountIn = h.amount.Dec()
			next.Timestamp = h.earliest
			next.Signature = h.signature
		} else {
			// Backward: the discovered edge flows counterparty -> current,
			// so the receiving side keeps the edge annotation and the new
			// node records what it sent onward.
			branch[len(branch)-1].AmountIn = h.amount.Dec()
			branch[len(branch)-1].Timestamp = h.earliest
			branch[len(branch)-1].Signature = h.signature
			next.AmountOut = h.amount.Dec()
		}
		branch = append(branch, next)

		t.onPath[h.address] = true
		t.expand(branch, depth+1)
		delete(t.onPath, h.address)
	}
}

// aggregate folds the node's transfers into one edge per counterparty:
// amounts summed exactly, earliest blockTime kept, first signature kept
// as representative. Self-transfers, out-of-window transfers, and
// addresses already on the path are dropped. Order follows first
// appearance in the adapter's result.
func (t *traversal) aggregate(current string, transfers []models.Transfer) []hop {
	var order []string
	byAddress := make(map[string]*hop)

	for _, tr := range transfers {
		var counterparty string
		if t.direction == models.DirectionForward {
			if tr.FromAddress != current {
				continue
			}
			counterparty = tr.ToAddress
		} else {
			if tr.ToAddress != current {
				continue
			}
			counterparty = tr.FromAddress
		}
		if counterparty == "" || counterparty == current {
			continue
		}
		if t.cutoff > 0 && tr.BlockTime < t.cutoff {
			continue
		}
		if t.onPath[counterparty] {
			continue
		}

		amount, err := models.ParseAmount(tr.Amount)
		if err != nil {
			log.Printf("[FlowGraph] %s: bad amount %q: %v", tr.Signature, tr.Amount, err)
			continue
		}
		if amount.IsZero() {
			continue
		}

		h, ok := byAddress[counterparty]
		if !ok {
			h = &hop{
				address:   counterparty,
				amount:    new(uint256.Int),
				earliest:  tr.BlockTime,
				signature: tr.Signature,
			}
			byAddress[counterparty] = h
			order = append(order, counterparty)
		}
		h.amount.Add(h.amount, amount)
		if tr.BlockTime > 0 && (h.earliest == 0 || tr.BlockTime < h.earliest) {
			h.earliest = tr.BlockTime
		}
	}

	out := make([]hop, 0, len(order))
	for _, address := range order {
		out = append(out, *byAddress[address])
	}
	return out
}

// emit seals the current branch into a FlowPath. Paths need at least
// one hop beyond the origin.
func (t *traversal) emit(path []models.PathNode) {
	if len(path) < 2 || len(t.paths) >= maxEmittedPaths {
		return
	}

	hops := make([]models.PathNode, len(path))
	copy(hops, path)
	if t.direction == models.DirectionBackward {
		for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
			hops[i], hops[j] = hops[j], hops[i]
		}
	}

	t.paths = append(t.paths, models.FlowPath{
		PathID:          uuid.NewString(),
		StartAddress:    hops[0].Address,
		EndAddress:      hops[len(hops)-1].Address,
		TokenMint:       t.mint,
		Hops:            hops,
		TotalAmount:     pathTotal(hops),
		HopCount:        len(hops),
		ConfidenceScore: ScorePath(hops),
		Direction:       t.direction,
	})
}

// pathTotal accumulates the flow observed at each node: the origin's
// outbound amount plus every later node's inbound amount.
func pathTotal(hops []models.PathNode) string {
	total := new(uint256.Int)
	if v, err := models.ParseAmount(hops[0].AmountOut); err == nil {
		total.Add(total, v)
	}
	for _, h := range hops[1:] {
		if v, err := models.ParseAmount(h.AmountIn); err == nil {
			total.Add(total, v)
		}
	}
	return total.Dec()
}
