package risk

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/tokenflow/analytics-engine/internal/cache"
	"github.com/tokenflow/analytics-engine/internal/metrics"
	"github.com/tokenflow/analytics-engine/pkg/models"
)

// Risk Engine
//
// Composites independent on-chain checks into one verdict per
// (address, token) pair:
//
//   Base score starts at 0 (clean)
//   Direct sanctions-list hit        = immediate 100, nothing else runs
//   Sanctioned entity within 2 hops  +50
//   Mixer program within 2 hops      +40
//   Peel chain (3+ ratio run)        +35
//   Circular token flow              +25
//   High velocity (>100 out/hour)    +20
//
// Scores clamp to [0, 100]. Finished assessments are cached for ten
// minutes and persisted best-effort as an Entity update plus one
// RiskFlag history row per finding.

const (
	assessmentTTL   = 10 * time.Minute
	sampleLimit     = 500
	proximityDepth  = 2
	proximityFanout = 10
	proximityFetch  = 50

	velocityWindow   = int64(3600) // rolling window, seconds
	velocityMaxPerHr = 100
)

// Flag types emitted by the engine.
const (
	FlagSanctionedDirect    = "sanctioned_direct"
	FlagSanctionedProximity = "sanctioned_proximity"
	FlagMixerProximity      = "mixer_proximity"
	FlagPeelChain           = "peel_chain"
	FlagCircularFlow        = "circular_flow"
	FlagHighVelocity        = "high_velocity"
)

// Flag severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// TransferSource supplies recent transfer history for an address.
type TransferSource interface {
	GetTokenTransfers(ctx context.Context, address, mint string, limit int) ([]models.Transfer, error)
}

// EntityIndex answers curated entity-kind questions and drops stale
// cached rows after the engine rewrites an address's risk fields.
type EntityIndex interface {
	IsSanctioned(ctx context.Context, address string) bool
	IsMixer(ctx context.Context, address string) bool
	Invalidate(address string)
}

// CycleDetector finds closed token loops through an address.
type CycleDetector interface {
	DetectCircularFlows(ctx context.Context, address, mint string) ([]models.CircularFlow, error)
}

// AssessmentSink persists a finished assessment. Implementations must
// tolerate repeat writes for the same address.
type AssessmentSink interface {
	SaveAssessment(ctx context.Context, a *models.RiskAssessment) error
}

// Engine scores addresses. The sink is optional; without it
// assessments are served and cached but not persisted.
type Engine struct {
	source   TransferSource
	entities EntityIndex
	cycles   CycleDetector
	store    cache.Store
	sink     AssessmentSink
}

func New(source TransferSource, entities EntityIndex, cycles CycleDetector, store cache.Store, sink AssessmentSink) *Engine {
	return &Engine{source: source, entities: entities, cycles: cycles, store: store, sink: sink}
}

// AssessRisk runs every check against the address and returns the
// composite verdict. Transfer history comes from one upstream sample;
// only the proximity scan fetches beyond it.
func (e *Engine) AssessRisk(ctx context.Context, address, tokenMint string) (*models.RiskAssessment, error) {
	cacheKey := fmt.Sprintf("risk:%s:%s", address, tokenMint)

	var cached models.RiskAssessment
	hit, err := cache.GetJSON(ctx, e.store, cacheKey, &cached)
	if err != nil {
		log.Printf("[Risk] cache read for %s failed: %v", address, err)
	} else if hit {
		metrics.ObserveCache("risk", true)
		return &cached, nil
	}
	metrics.ObserveCache("risk", false)

	// ─── Direct sanctions hit ────────────────────────────────────────
	if e.entities.IsSanctioned(ctx, address) {
		assessment := &models.RiskAssessment{
			Address:   address,
			TokenMint: tokenMint,
			RiskScore: 100,
			RiskLevel: models.RiskLevelForScore(100),
			Flags: []models.RiskFlag{{
				Type:        FlagSanctionedDirect,
				Severity:    SeverityCritical,
				Description: "address appears on the curated sanctions list",
			}},
			LastAssessed: time.Now().UTC(),
		}
		e.finalize(ctx, cacheKey, assessment)
		return assessment, nil
	}

	sample, err := e.source.GetTokenTransfers(ctx, address, tokenMint, sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("risk sample for %s: %w", address, err)
	}
	outbound := make([]models.Transfer, 0, len(sample))
	for _, t := range sample {
		if t.FromAddress == address {
			outbound = append(outbound, t)
		}
	}

	riskScore := 0
	flags := []models.RiskFlag{}

	// ─── Sanctioned / mixer proximity (2-hop BFS) ────────────────────
	prox := e.proximityScan(ctx, address, tokenMint, outbound)
	if prox.sanctionedAddr != "" {
		riskScore += 50
		flags = append(flags, models.RiskFlag{
			Type:        FlagSanctionedProximity,
			Severity:    SeverityCritical,
			Description: "funds reach a sanctioned entity within two hops",
			Evidence: map[string]interface{}{
				"address": prox.sanctionedAddr,
				"hops":    prox.sanctionedHops,
			},
		})
	}
	if prox.mixerAddr != "" {
		riskScore += 40
		flags = append(flags, models.RiskFlag{
			Type:        FlagMixerProximity,
			Severity:    SeverityCritical,
			Description: "funds reach a mixing program within two hops",
			Evidence: map[string]interface{}{
				"address": prox.mixerAddr,
				"hops":    prox.mixerHops,
			},
		})
	}

	// ─── Peel chain ──────────────────────────────────────────────────
	if length, found := DetectPeelChain(outbound); found {
		riskScore += 35
		flags = append(flags, models.RiskFlag{
			Type:        FlagPeelChain,
			Severity:    SeverityCritical,
			Description: "outbound amounts peel 85-95% of the previous transfer",
			Evidence:    map[string]interface{}{"chainLength": length},
		})
	}

	// ─── Circular flows ──────────────────────────────────────────────
	loops, err := e.cycles.DetectCircularFlows(ctx, address, tokenMint)
	if err != nil {
		log.Printf("[Risk] cycle detection for %s failed: %v", address, err)
	} else if len(loops) > 0 {
		riskScore += 25
		flags = append(flags, models.RiskFlag{
			Type:        FlagCircularFlow,
			Severity:    SeverityWarning,
			Description: "tokens return to the address through a closed loop",
			Evidence: map[string]interface{}{
				"addresses":   loops[0].Addresses,
				"totalAmount": loops[0].TotalAmount,
				"cycles":      len(loops),
			},
		})
	}

	// ─── Velocity ────────────────────────────────────────────────────
	if peak := peakHourlyOutbound(outbound); peak > velocityMaxPerHr {
		riskScore += 20
		flags = append(flags, models.RiskFlag{
			Type:        FlagHighVelocity,
			Severity:    SeverityWarning,
			Description: "more than 100 outbound transfers in a single hour",
			Evidence:    map[string]interface{}{"transfersPerHour": peak},
		})
	}

	// Cap at 100
	if riskScore > 100 {
		riskScore = 100
	}

	assessment := &models.RiskAssessment{
		Address:      address,
		TokenMint:    tokenMint,
		RiskScore:    riskScore,
		RiskLevel:    models.RiskLevelForScore(riskScore),
		Flags:        flags,
		LastAssessed: time.Now().UTC(),
	}
	e.finalize(ctx, cacheKey, assessment)
	return assessment, nil
}

type proximityHit struct {
	sanctionedAddr string
	sanctionedHops int
	mixerAddr      string
	mixerHops      int
}

// proximityScan walks outbound counterparties breadth-first, at most
// two hops out and ten counterparties per node. Depth-1 neighbors come
// from the already-fetched sample; only depth-2 expansion hits the
// upstream again.
func (e *Engine) proximityScan(ctx context.Context, address, mint string, outbound []models.Transfer) proximityHit {
	var hit proximityHit
	visited := map[string]bool{address: true}
	frontier := counterparties(outbound, address)

	for depth := 1; depth <= proximityDepth; depth++ {
		var next []string
		for _, cp := range frontier {
			if visited[cp] {
				continue
			}
			visited[cp] = true

			if hit.sanctionedAddr == "" && e.entities.IsSanctioned(ctx, cp) {
				hit.sanctionedAddr = cp
				hit.sanctionedHops = depth
			}
			if hit.mixerAddr == "" && e.entities.IsMixer(ctx, cp) {
				hit.mixerAddr = cp
				hit.mixerHops = depth
			}
			if hit.sanctionedAddr != "" && hit.mixerAddr != "" {
				return hit
			}

			if depth == proximityDepth {
				continue
			}
			transfers, err := e.source.GetTokenTransfers(ctx, cp, mint, proximityFetch)
			if err != nil {
				log.Printf("[Risk] proximity fetch for %s failed: %v", cp, err)
				continue
			}
			next = append(next, counterparties(transfers, cp)...)
		}
		frontier = next
	}
	return hit
}

// counterparties returns the distinct outbound destinations of from,
// first-seen order, capped at the fan-out limit.
func counterparties(transfers []models.Transfer, from string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, proximityFanout)
	for _, t := range transfers {
		if t.FromAddress != from || t.ToAddress == "" || t.ToAddress == from {
			continue
		}
		if seen[t.ToAddress] {
			continue
		}
		seen[t.ToAddress] = true
		out = append(out, t.ToAddress)
		if len(out) >= proximityFanout {
			break
		}
	}
	return out
}

// peakHourlyOutbound returns the largest number of outbound transfers
// observed inside any rolling one-hour window.
func peakHourlyOutbound(outbound []models.Transfer) int {
	times := make([]int64, 0, len(outbound))
	for _, t := range outbound {
		if t.BlockTime > 0 {
			times = append(times, t.BlockTime)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	peak, left := 0, 0
	for right := range times {
		for times[right]-times[left] >= velocityWindow {
			left++
		}
		if n := right - left + 1; n > peak {
			peak = n
		}
	}
	return peak
}

// finalize records metrics, caches the verdict, and pushes it to the
// sink. Persistence failures degrade to log lines; the caller already
// has the assessment in hand.
func (e *Engine) finalize(ctx context.Context, cacheKey string, a *models.RiskAssessment) {
	metrics.RiskAssessments.WithLabelValues(a.RiskLevel).Inc()

	if err := cache.SetJSON(ctx, e.store, cacheKey, a, assessmentTTL); err != nil {
		log.Printf("[Risk] cache write for %s failed: %v", a.Address, err)
	}
	if e.sink == nil {
		return
	}
	if err := e.sink.SaveAssessment(ctx, a); err != nil {
		log.Printf("[Risk] persisting assessment for %s failed: %v", a.Address, err)
		return
	}
	e.entities.Invalidate(a.Address)
}
