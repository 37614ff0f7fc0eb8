// Package classifier labels parsed transactions as transfers or swaps
// and extracts swap direction and venue metadata. Everything here is
// deterministic over the transaction payload; the only collaborator is
// a venue lookup satisfied by the entity registry.
package classifier

import (
	"strings"

	"github.com/holiman/uint256"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

// WrappedSOLMint is the wrapped-SOL mint address. Wrapped-SOL legs at
// or below dust size are routing artifacts, not traded value.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// VenueResolver maps a program ID to a known DEX/AMM name.
type VenueResolver interface {
	VenueName(programID string) (string, bool)
}

// Classifier holds the venue lookup. A nil resolver disables venue
// attribution but not classification.
type Classifier struct {
	venues VenueResolver
}

func New(venues VenueResolver) *Classifier {
	return &Classifier{venues: venues}
}

// SignificantMints returns the distinct mints moved by the transaction,
// excluding wrapped-SOL legs of 0.1 or less. Order follows first
// appearance in the transfer list.
func SignificantMints(tx *models.ParsedTransaction) []string {
	var mints []string
	seen := make(map[string]bool)
	for _, tt := range tx.TokenTransfers {
		if tt.Mint == "" || seen[tt.Mint] {
			continue
		}
		if tt.Mint == WrappedSOLMint && isDustLeg(tt) {
			continue
		}
		seen[tt.Mint] = true
		mints = append(mints, tt.Mint)
	}
	return mints
}

// isDustLeg reports amount <= 0.1 in UI units, evaluated exactly
// against base units: 0.1 * 10^decimals.
func isDustLeg(tt models.TokenTransfer) bool {
	amount, err := models.ParseAmount(tt.Amount)
	if err != nil {
		return false
	}
	if tt.Decimals < 1 {
		// 0.1 UI is below one base unit; only a zero leg is dust.
		return amount.IsZero()
	}
	threshold := uint256.NewInt(pow10(tt.Decimals - 1))
	return amount.Cmp(threshold) <= 0
}

func pow10(n int) uint64 {
	v := uint64(1)
	for i := 0; i < n && i < models.MaxTokenDecimals; i++ {
		v *= 10
	}
	return v
}

// ClassifyType labels the transaction. A single-mint movement is a
// transfer even when the upstream tags it SWAP: routing one mint
// through a DEX does not change hands between tokens.
func (c *Classifier) ClassifyType(tx *models.ParsedTransaction) string {
	upstreamType := strings.ToUpper(tx.Type)
	if upstreamType == "TRANSFER" {
		return models.TxTypeTransfer
	}
	significant := SignificantMints(tx)
	if len(significant) < 2 {
		return models.TxTypeTransfer
	}
	if tx.Swap != nil || strings.Contains(upstreamType, "SWAP") || len(significant) >= 2 {
		return models.TxTypeSwap
	}
	return models.TxTypeUnknown
}

// SwapDirection resolves buy/sell relative to mint from the fee payer's
// point of view. A transfer of the mint crediting the fee payer is a
// buy, debiting it a sell; fallbacks consult the swap event legs and
// finally the first native transfer's source wallet.
func (c *Classifier) SwapDirection(tx *models.ParsedTransaction, mint string) string {
	if mint == "" || tx.FeePayer == "" {
		return ""
	}

	for _, tt := range tx.TokenTransfers {
		if tt.Mint != mint {
			continue
		}
		if tt.ToUserAccount == tx.FeePayer {
			return models.SwapDirectionBuy
		}
		if tt.FromUserAccount == tx.FeePayer {
			return models.SwapDirectionSell
		}
	}

	if tx.Swap != nil {
		for _, leg := range tx.Swap.TokenOutputs {
			if leg.Mint == mint {
				return models.SwapDirectionBuy
			}
		}
		for _, leg := range tx.Swap.TokenInputs {
			if leg.Mint == mint {
				return models.SwapDirectionSell
			}
		}
	}

	if len(tx.NativeTransfers) > 0 {
		first := tx.NativeTransfers[0]
		if first.FromUserAccount == tx.FeePayer {
			return models.SwapDirectionBuy
		}
		if first.ToUserAccount == tx.FeePayer {
			return models.SwapDirectionSell
		}
	}
	return ""
}

// SwapMetadata attributes the venue by scanning instruction program IDs
// against the known DEX set, falling back to the account keys, and
// fills the in/out legs from the swap event when present.
func (c *Classifier) SwapMetadata(tx *models.ParsedTransaction) *models.SwapInfo {
	info := &models.SwapInfo{}

	if c.venues != nil {
		for _, in := range tx.Instructions {
			if name, ok := c.venues.VenueName(in.ProgramID); ok {
				info.Venue = name
				info.ProgramID = in.ProgramID
				break
			}
		}
		if info.Venue == "" {
			for _, account := range tx.Accounts {
				if name, ok := c.venues.VenueName(account); ok {
					info.Venue = name
					info.ProgramID = account
					break
				}
			}
		}
	}

	if tx.Swap != nil {
		if info.ProgramID == "" {
			info.ProgramID = tx.Swap.ProgramID
		}
		if len(tx.Swap.TokenInputs) > 0 {
			info.TokenIn = tx.Swap.TokenInputs[0].Mint
			info.AmountIn = tx.Swap.TokenInputs[0].Amount
		}
		if len(tx.Swap.TokenOutputs) > 0 {
			info.TokenOut = tx.Swap.TokenOutputs[0].Mint
			info.AmountOut = tx.Swap.TokenOutputs[0].Amount
		}
	}

	if info.Venue == "" && info.ProgramID == "" && info.TokenIn == "" && info.TokenOut == "" {
		return nil
	}
	return info
}
