package upstream

import (
	"encoding/json"
	"errors"
)

// Error kinds surfaced to callers. Handlers map these onto 502/503
// responses; everything else inside the adapter wraps one of them.
var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrRateLimited = errors.New("upstream rate limited")
	ErrBadResponse = errors.New("upstream bad response")
)

// SignatureInfo is one row of a getSignaturesForAddress page
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      int64           `json:"slot"`
	BlockTime int64           `json:"blockTime"`
	Err       json.RawMessage `json:"err,omitempty"`
}

// TokenAccountBalance is one entry of getTokenLargestAccounts
type TokenAccountBalance struct {
	Address        string `json:"address"`
	Amount         string `json:"amount"` // base units, decimal string
	Decimals       int    `json:"decimals"`
	UIAmountString string `json:"uiAmountString,omitempty"`
}

// Wire shapes of the enhanced-transaction payload. Decimal amounts stay
// json.Number so the exact text survives until scaling at the model
// conversion boundary.

type EnhancedTransaction struct {
	Signature        string           `json:"signature"`
	Type             string           `json:"type"`
	Source           string           `json:"source"`
	Fee              int64            `json:"fee"`
	FeePayer         string           `json:"feePayer"`
	Slot             int64            `json:"slot"`
	Timestamp        int64            `json:"timestamp"`
	NativeTransfers  []NativeTransfer `json:"nativeTransfers"`
	TokenTransfers   []TokenTransfer  `json:"tokenTransfers"`
	AccountData      []AccountData    `json:"accountData"`
	Instructions     []Instruction    `json:"instructions"`
	Events           *Events          `json:"events,omitempty"`
	TransactionError json.RawMessage  `json:"transactionError,omitempty"`
}

type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"`
}

type TokenTransfer struct {
	FromUserAccount  string      `json:"fromUserAccount"`
	ToUserAccount    string      `json:"toUserAccount"`
	FromTokenAccount string      `json:"fromTokenAccount,omitempty"`
	ToTokenAccount   string      `json:"toTokenAccount,omitempty"`
	TokenAmount      json.Number `json:"tokenAmount"` // decimal UI units
	Decimals         int         `json:"decimals,omitempty"`
	Mint             string      `json:"mint"`
	TokenStandard    string      `json:"tokenStandard,omitempty"`
}

type AccountData struct {
	Account             string               `json:"account"`
	NativeBalanceChange int64                `json:"nativeBalanceChange"`
	TokenBalanceChanges []TokenBalanceChange `json:"tokenBalanceChanges"`
}

type TokenBalanceChange struct {
	UserAccount    string         `json:"userAccount"`
	TokenAccount   string         `json:"tokenAccount"`
	Mint           string         `json:"mint"`
	RawTokenAmount RawTokenAmount `json:"rawTokenAmount"`
}

type RawTokenAmount struct {
	TokenAmount json.Number `json:"tokenAmount"` // signed base units
	Decimals    int         `json:"decimals"`
}

type Instruction struct {
	ProgramID         string             `json:"programId"`
	Accounts          []string           `json:"accounts"`
	Data              string             `json:"data"`
	InnerInstructions []InnerInstruction `json:"innerInstructions,omitempty"`
}

type InnerInstruction struct {
	ProgramID string   `json:"programId"`
	Accounts  []string `json:"accounts"`
	Data      string   `json:"data"`
}

type Events struct {
	Swap *SwapEvent `json:"swap,omitempty"`
}

type SwapEvent struct {
	NativeInput  *NativeBalance `json:"nativeInput,omitempty"`
	NativeOutput *NativeBalance `json:"nativeOutput,omitempty"`
	TokenInputs  []SwapLeg      `json:"tokenInputs"`
	TokenOutputs []SwapLeg      `json:"tokenOutputs"`
	ProgramInfo  *ProgramInfo   `json:"programInfo,omitempty"`
}

type NativeBalance struct {
	Account string      `json:"account"`
	Amount  json.Number `json:"amount"` // lamports
}

type SwapLeg struct {
	UserAccount    string         `json:"userAccount"`
	TokenAccount   string         `json:"tokenAccount,omitempty"`
	Mint           string         `json:"mint"`
	RawTokenAmount RawTokenAmount `json:"rawTokenAmount"`
}

type ProgramInfo struct {
	Source          string `json:"source,omitempty"`
	Account         string `json:"account"`
	ProgramName     string `json:"programName,omitempty"`
	InstructionName string `json:"instructionName,omitempty"`
}
