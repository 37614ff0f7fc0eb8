package models

import "time"

// Entity kinds recognized by the registry and the risk engine
const (
	EntityKindDEX        = "dex"
	EntityKindBridge     = "bridge"
	EntityKindLending    = "lending"
	EntityKindMixer      = "mixer"
	EntityKindSanctioned = "sanctioned"
	EntityKindWallet     = "wallet"
	EntityKindPool       = "pool"
)

// Risk levels derived from the composite score
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// Flow directions
const (
	DirectionForward  = "forward"
	DirectionBackward = "backward"
)

// PathNode is one address along a reconstructed flow path.
// AmountIn/AmountOut are decimal strings of 128-bit integers; the start
// node has no AmountIn and a terminal node has no AmountOut.
type PathNode struct {
	Address    string `json:"address"`
	EntityKind string `json:"entityKind,omitempty"`
	EntityName string `json:"entityName,omitempty"`
	AmountIn   string `json:"amountIn"`
	AmountOut  string `json:"amountOut"`
	Timestamp  int64  `json:"timestamp,omitempty"` // earliest blockTime of the inbound hop
	Signature  string `json:"signature,omitempty"` // representative inbound transfer
}

// FlowPath is a canonical multi-hop token flow reconstruction
type FlowPath struct {
	PathID           string     `json:"pathId"`
	StartAddress     string     `json:"startAddress"`
	EndAddress       string     `json:"endAddress"`
	TokenMint        string     `json:"tokenMint"`
	Hops             []PathNode `json:"hops"`
	TotalAmount      string     `json:"totalAmount"` // decimal string, base units
	HopCount         int        `json:"hopCount"`    // == len(Hops)
	ConfidenceScore  float64    `json:"confidenceScore"`
	Direction        string     `json:"direction"` // forward/backward
	Intent           string     `json:"intent,omitempty"`
	IntentConfidence float64    `json:"intentConfidence,omitempty"`
	RiskScore        *int       `json:"riskScore,omitempty"` // 0-100 when enriched
	RiskLevel        string     `json:"riskLevel,omitempty"`
}

// CircularFlow is a cycle in the transfer graph returning to its origin.
// Addresses carries the full loop, so the first and last entries match
// and the length exceeds 2.
type CircularFlow struct {
	Addresses   []string `json:"addresses"`
	TotalAmount string   `json:"totalAmount"` // sum of transfers inside the cycle
	CycleCount  int      `json:"cycleCount"`  // completed loops evidenced by the transfer set
	Signatures  []string `json:"signatures,omitempty"`
}

// Entity is a known or observed address with a semantic role
type Entity struct {
	Address    string            `json:"address"`
	EntityKind string            `json:"entityKind"`
	Name       string            `json:"name,omitempty"`
	RiskLevel  string            `json:"riskLevel"`
	RiskScore  int               `json:"riskScore"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RiskFlag is one contributing signal of a risk assessment
type RiskFlag struct {
	Type        string                 `json:"type"`     // sanctioned_direct/sanctioned_proximity/mixer_proximity/peel_chain/circular_flow/high_velocity
	Severity    string                 `json:"severity"` // critical/warning
	Description string                 `json:"description"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
}

// RiskAssessment is the composite verdict for one address
type RiskAssessment struct {
	Address      string     `json:"address"`
	TokenMint    string     `json:"tokenMint,omitempty"`
	RiskScore    int        `json:"riskScore"` // 0-100, clamped
	RiskLevel    string     `json:"riskLevel"`
	Flags        []RiskFlag `json:"flags"`
	LastAssessed time.Time  `json:"lastAssessed"`
}

// RiskLevelForScore maps the composite score onto the level bands
func RiskLevelForScore(score int) string {
	switch {
	case score < 25:
		return RiskLevelLow
	case score < 50:
		return RiskLevelMedium
	case score < 75:
		return RiskLevelHigh
	default:
		return RiskLevelCritical
	}
}
