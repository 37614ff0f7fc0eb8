package risk

import (
	"sort"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

// Peel-chain parameters: a run of outbound transfers each moving 85-95%
// of the previous amount, at least three ratios long.
const (
	peelMinChain = 3
	peelLowPct   = 85
	peelHighPct  = 95
)

// DetectPeelChain scans outbound transfers in time order and returns
// the longest peel run (counted in qualifying ratios) and whether it
// reaches the reporting threshold. Exact integer arithmetic throughout.
func DetectPeelChain(outbound []models.Transfer) (int, bool) {
	if len(outbound) < peelMinChain+1 {
		return 0, false
	}

	ordered := make([]models.Transfer, len(outbound))
	copy(ordered, outbound)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].BlockTime != ordered[j].BlockTime {
			return ordered[i].BlockTime < ordered[j].BlockTime
		}
		return ordered[i].InstructionIndex < ordered[j].InstructionIndex
	})

	best, streak := 0, 0
	prev, err := models.ParseAmount(ordered[0].Amount)
	if err != nil {
		prev = nil
	}
	for i := 1; i < len(ordered); i++ {
		curr, err := models.ParseAmount(ordered[i].Amount)
		if err != nil {
			streak = 0
			prev = nil
			continue
		}
		if prev != nil && models.RatioWithin(prev, curr, peelLowPct, peelHighPct) {
			streak++
			if streak > best {
				best = streak
			}
		} else {
			streak = 0
		}
		prev = curr
	}
	return best, best >= peelMinChain
}
