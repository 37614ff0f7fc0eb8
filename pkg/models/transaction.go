package models

// Transaction type labels assigned by the activity classifier.
const (
	TxTypeTransfer = "transfer"
	TxTypeSwap     = "swap"
	TxTypeUnknown  = "unknown"
)

// Swap direction relative to the target mint.
const (
	SwapDirectionBuy  = "buy"
	SwapDirectionSell = "sell"
)

// Instruction is one entry of a transaction's instruction list.
// Program IDs are used for DEX venue attribution; Data stays opaque.
type Instruction struct {
	ProgramID string   `json:"programId"`
	Accounts  []string `json:"accounts,omitempty"`
	Data      string   `json:"data,omitempty"`
}

// NativeTransfer is a lamport movement between two wallets
type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"` // lamports
}

// TokenTransfer is a single SPL token movement inside a transaction.
// Amount is in base units as a decimal string, converted exactly from
// the upstream decimal representation at the adapter boundary.
type TokenTransfer struct {
	FromUserAccount  string `json:"fromUserAccount"`
	ToUserAccount    string `json:"toUserAccount"`
	Mint             string `json:"mint"`
	Amount           string `json:"amount"` // base units
	Decimals         int    `json:"decimals"`
	UIAmount         string `json:"uiAmount,omitempty"` // original decimal text from upstream
	InstructionIndex int    `json:"instructionIndex"`
}

// TokenBalanceDelta is the net signed balance change of (owner, mint)
// within one transaction, in base units.
type TokenBalanceDelta struct {
	Account   string `json:"account"` // owner wallet, not the token account
	Mint      string `json:"mint"`
	RawChange string `json:"rawChange"` // signed decimal, base units
	Decimals  int    `json:"decimals"`
}

// SwapLeg is one side of a swap event
type SwapLeg struct {
	UserAccount string `json:"userAccount,omitempty"`
	Mint        string `json:"mint"`
	Amount      string `json:"amount"` // base units
	Decimals    int    `json:"decimals"`
}

// SwapEvent is the upstream-decoded swap event, when present
type SwapEvent struct {
	TokenInputs  []SwapLeg `json:"tokenInputs,omitempty"`
	TokenOutputs []SwapLeg `json:"tokenOutputs,omitempty"`
	NativeInput  int64     `json:"nativeInput,omitempty"`  // lamports
	NativeOutput int64     `json:"nativeOutput,omitempty"` // lamports
	ProgramID    string    `json:"programId,omitempty"`
}

// ParsedTransaction is the normalized form of an enhanced transaction.
// Immutable once built; amounts are exact base-unit decimal strings.
type ParsedTransaction struct {
	Signature       string              `json:"signature"`
	Slot            int64               `json:"slot"`
	BlockTime       int64               `json:"blockTime"` // unix seconds
	Fee             int64               `json:"fee"`       // lamports
	FeePayer        string              `json:"feePayer"`  // first writable signer
	Success         bool                `json:"success"`
	Type            string              `json:"type,omitempty"`   // upstream tag, e.g. "TRANSFER", "SWAP"
	Source          string              `json:"source,omitempty"` // upstream program-family attribution
	Accounts        []string            `json:"accounts,omitempty"`
	Instructions    []Instruction       `json:"instructions,omitempty"`
	NativeTransfers []NativeTransfer    `json:"nativeTransfers,omitempty"`
	TokenTransfers  []TokenTransfer     `json:"tokenTransfers,omitempty"`
	BalanceDeltas   []TokenBalanceDelta `json:"balanceDeltas,omitempty"`
	Swap            *SwapEvent          `json:"swap,omitempty"`
}

// SwapInfo is the venue metadata attached to swap-classified transfers
type SwapInfo struct {
	Venue     string `json:"venue,omitempty"` // DEX name from the known-program table
	ProgramID string `json:"programId,omitempty"`
	TokenIn   string `json:"tokenIn,omitempty"`
	TokenOut  string `json:"tokenOut,omitempty"`
	AmountIn  string `json:"amountIn,omitempty"`  // base units
	AmountOut string `json:"amountOut,omitempty"` // base units
}

// Transfer is a flattened token movement annotated with the tx-level
// classification. The unit of flow-graph traversal and token activity.
type Transfer struct {
	Signature        string    `json:"signature"`
	FromAddress      string    `json:"fromAddress"`
	ToAddress        string    `json:"toAddress"`
	TokenMint        string    `json:"tokenMint"`
	Amount           string    `json:"amount"` // unsigned 128-bit, decimal string
	Decimals         int       `json:"decimals"`
	InstructionIndex int       `json:"instructionIndex"`
	BlockTime        int64     `json:"blockTime"`
	Slot             int64     `json:"slot,omitempty"`
	TxType           string    `json:"txType"`                  // transfer/swap/unknown
	SwapDirection    string    `json:"swapDirection,omitempty"` // buy/sell
	SwapInfo         *SwapInfo `json:"swapInfo,omitempty"`
}

// IntentPrediction is the external classifier's verdict for one signature
type IntentPrediction struct {
	Signature  string  `json:"signature"`
	Intent     string  `json:"intent"` // transfer/trading/arbitrage/bridging/yield_farming/liquidation/governance/unknown
	Confidence float64 `json:"confidence"`
}

// IntentUnknown is the fallback verdict when the classifier is unreachable
func IntentUnknown(signature string) IntentPrediction {
	return IntentPrediction{Signature: signature, Intent: "unknown", Confidence: 0}
}
