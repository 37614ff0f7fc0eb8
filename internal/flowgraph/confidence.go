package flowgraph

import (
	"github.com/holiman/uint256"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

// Confidence factors. Multiplicative from 1.0, clamped to [0,1].
const (
	factorTightMatch = 1.0  // edge amounts within 5%
	factorNearMatch  = 0.95 // within 10%
	factorLooseMatch = 0.85 // within 20%
	factorMismatch   = 0.70
	factorDEXHop     = 0.98
	factorStaleHop   = 0.90

	staleHopGapSeconds = 24 * 60 * 60
)

// ScorePath recomputes the confidence of a finished path from its hops
// alone, so persisted paths can be re-verified. Three families of
// evidence shrink the score: amount discontinuity across intermediate
// nodes, routing through DEX programs, and hop gaps beyond 24 hours.
func ScorePath(hops []models.PathNode) float64 {
	score := 1.0

	// Amount continuity across each intermediate node: the edge into
	// hops[i] against the edge it forwarded to hops[i+1].
	for i := 1; i+1 < len(hops); i++ {
		prevEdge, err1 := models.ParseAmount(hops[i].AmountIn)
		currEdge, err2 := models.ParseAmount(hops[i+1].AmountIn)
		if err1 != nil || err2 != nil {
			score *= factorMismatch
			continue
		}
		score *= continuityFactor(prevEdge, currEdge)
	}

	for i := 1; i+1 < len(hops); i++ {
		if hops[i].EntityKind == models.EntityKindDEX {
			score *= factorDEXHop
		}
	}

	for i := 0; i+1 < len(hops); i++ {
		a, b := hops[i].Timestamp, hops[i+1].Timestamp
		if a > 0 && b > 0 && abs64(b-a) > staleHopGapSeconds {
			score *= factorStaleHop
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// continuityFactor bands the ratio r = prevEdge / currEdge, evaluated
// with exact integer cross-multiplication.
func continuityFactor(prevEdge, currEdge *uint256.Int) float64 {
	switch {
	case models.RatioWithin(currEdge, prevEdge, 95, 105):
		return factorTightMatch
	case models.RatioWithin(currEdge, prevEdge, 90, 110):
		return factorNearMatch
	case models.RatioWithin(currEdge, prevEdge, 80, 120):
		return factorLooseMatch
	default:
		return factorMismatch
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
