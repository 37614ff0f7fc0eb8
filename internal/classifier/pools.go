package classifier

import "github.com/tokenflow/analytics-engine/pkg/models"

// Pool-hub thresholds over one activity batch.
const (
	poolMinCounterparties = 10
	poolMinSwaps          = 5
)

// PoolHubs identifies likely liquidity-pool hubs in a transfer batch:
// addresses with at least 10 unique counterparties and at least 5 swap
// participations. Pure; the entity registry is never consulted or
// mutated here.
func PoolHubs(transfers []models.Transfer) map[string]bool {
	type stats struct {
		counterparties map[string]bool
		swaps          int
	}
	byAddress := make(map[string]*stats)

	track := func(address, counterparty string, isSwap bool) {
		if address == "" {
			return
		}
		st, ok := byAddress[address]
		if !ok {
			st = &stats{counterparties: make(map[string]bool)}
			byAddress[address] = st
		}
		if counterparty != "" && counterparty != address {
			st.counterparties[counterparty] = true
		}
		if isSwap {
			st.swaps++
		}
	}

	for _, tr := range transfers {
		isSwap := tr.TxType == models.TxTypeSwap
		track(tr.FromAddress, tr.ToAddress, isSwap)
		track(tr.ToAddress, tr.FromAddress, isSwap)
	}

	hubs := make(map[string]bool)
	for address, st := range byAddress {
		if len(st.counterparties) >= poolMinCounterparties && st.swaps >= poolMinSwaps {
			hubs[address] = true
		}
	}
	return hubs
}
