package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/holiman/uint256"

	"github.com/tokenflow/analytics-engine/internal/cache"
	"github.com/tokenflow/analytics-engine/internal/classifier"
	"github.com/tokenflow/analytics-engine/internal/metrics"
	"github.com/tokenflow/analytics-engine/pkg/models"
)

const (
	txTTL        = time.Hour
	transfersTTL = 5 * time.Minute
	activityTTL  = 2 * time.Minute

	historyPageSize      = 100
	activityBatchSize    = 10
	activitySignatureCap = 1000
	largestAccountsTop   = 3
)

// HistoryOpts bounds a raw history walk.
type HistoryOpts struct {
	Limit  int
	Before string
	Until  string
}

// Service is the cached upstream adapter. It turns provider payloads
// into normalized models and owns every cache TTL decision; cache
// failures are soft and only ever cost an extra provider call.
type Service struct {
	client *Client
	store  cache.Store
	class  *classifier.Classifier
}

func NewService(client *Client, store cache.Store, class *classifier.Classifier) *Service {
	return &Service{client: client, store: store, class: class}
}

// Health probes the provider node.
func (s *Service) Health(ctx context.Context) error { return s.client.Health(ctx) }

// BreakerState exposes the circuit state for the health endpoint.
func (s *Service) BreakerState() string { return s.client.BreakerState().String() }

// GetTransaction resolves one signature into a parsed transaction.
// A signature the provider does not know yields (nil, nil), and that
// negative result is cached for the same TTL as a hit.
func (s *Service) GetTransaction(ctx context.Context, signature string) (*models.ParsedTransaction, error) {
	key := "tx:" + signature

	var parsed *models.ParsedTransaction
	hit, err := cache.GetJSON(ctx, s.store, key, &parsed)
	if err != nil {
		log.Printf("[Upstream] cache read %s: %v", key, err)
	}
	metrics.ObserveCache("tx", hit)
	if hit {
		return parsed, nil
	}

	wire, err := s.client.GetEnhancedTransactions(ctx, []string{signature})
	if err != nil {
		return nil, err
	}
	if len(wire) == 0 {
		if err := cache.SetJSON(ctx, s.store, key, nil, txTTL); err != nil {
			log.Printf("[Upstream] cache write %s: %v", key, err)
		}
		return nil, nil
	}

	parsed = s.convertTransaction(&wire[0])
	if err := cache.SetJSON(ctx, s.store, key, parsed, txTTL); err != nil {
		log.Printf("[Upstream] cache write %s: %v", key, err)
	}
	return parsed, nil
}

// GetTransactionsBatch resolves up to 100 signatures per provider call,
// chunking larger inputs, and returns parsed transactions in input
// order. Unknown signatures are omitted. Individual results land in the
// per-signature cache so later GetTransaction calls hit.
func (s *Service) GetTransactionsBatch(ctx context.Context, signatures []string) ([]*models.ParsedTransaction, error) {
	bySig := make(map[string]*models.ParsedTransaction, len(signatures))
	var misses []string

	for _, sig := range signatures {
		key := "tx:" + sig
		var parsed *models.ParsedTransaction
		hit, err := cache.GetJSON(ctx, s.store, key, &parsed)
		if err != nil {
			log.Printf("[Upstream] cache read %s: %v", key, err)
		}
		metrics.ObserveCache("tx", hit)
		if hit {
			if parsed != nil {
				bySig[sig] = parsed
			}
			continue
		}
		misses = append(misses, sig)
	}

	for start := 0; start < len(misses); start += 100 {
		end := start + 100
		if end > len(misses) {
			end = len(misses)
		}
		wire, err := s.client.GetEnhancedTransactions(ctx, misses[start:end])
		if err != nil {
			return nil, err
		}
		resolved := make(map[string]bool, len(wire))
		for i := range wire {
			parsed := s.convertTransaction(&wire[i])
			bySig[parsed.Signature] = parsed
			resolved[parsed.Signature] = true
			if err := cache.SetJSON(ctx, s.store, "tx:"+parsed.Signature, parsed, txTTL); err != nil {
				log.Printf("[Upstream] cache write tx:%s: %v", parsed.Signature, err)
			}
		}
		for _, sig := range misses[start:end] {
			if !resolved[sig] {
				if err := cache.SetJSON(ctx, s.store, "tx:"+sig, nil, txTTL); err != nil {
					log.Printf("[Upstream] cache write tx:%s: %v", sig, err)
				}
			}
		}
	}

	out := make([]*models.ParsedTransaction, 0, len(bySig))
	for _, sig := range signatures {
		if parsed, ok := bySig[sig]; ok {
			out = append(out, parsed)
		}
	}
	return out, nil
}

// GetAddressTransactions walks the enhanced history of an address,
// newest first, up to opts.Limit parsed transactions.
func (s *Service) GetAddressTransactions(ctx context.Context, address string, opts HistoryOpts) ([]models.ParsedTransaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = historyPageSize
	}
	if limit > activitySignatureCap {
		limit = activitySignatureCap
	}

	var out []models.ParsedTransaction
	before := opts.Before
	for len(out) < limit {
		page, err := s.client.GetEnhancedHistory(ctx, address, historyPageSize, before, opts.Until)
		if err != nil {
			if len(out) > 0 && isTransient(err) {
				log.Printf("[Upstream] history walk for %s degraded after %d txs: %v", address, len(out), err)
				break
			}
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			out = append(out, *s.convertTransaction(&page[i]))
			if len(out) >= limit {
				break
			}
		}
		if len(page) < historyPageSize {
			break
		}
		before = page[len(page)-1].Signature
	}
	return out, nil
}

// GetTokenTransfers flattens an address's recent history into transfers
// of one mint, classified per transaction. Cached 5 minutes.
func (s *Service) GetTokenTransfers(ctx context.Context, address, mint string, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > activitySignatureCap {
		limit = activitySignatureCap
	}
	key := fmt.Sprintf("transfers:%s:%s:%d", address, mint, limit)

	var cached []models.Transfer
	hit, err := cache.GetJSON(ctx, s.store, key, &cached)
	if err != nil {
		log.Printf("[Upstream] cache read %s: %v", key, err)
	}
	metrics.ObserveCache("transfers", hit)
	if hit {
		return cached, nil
	}

	var out []models.Transfer
	partial := false
	before := ""
	for len(out) < limit {
		page, err := s.client.GetEnhancedHistory(ctx, address, historyPageSize, before, "")
		if err != nil {
			if len(out) > 0 && isTransient(err) {
				log.Printf("[Upstream] transfer walk for %s degraded after %d rows: %v", address, len(out), err)
				partial = true
				break
			}
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			parsed := s.convertTransaction(&page[i])
			out = append(out, s.TransfersOf(parsed, mint)...)
			if len(out) >= limit {
				break
			}
		}
		if len(page) < historyPageSize {
			break
		}
		before = page[len(page)-1].Signature
	}
	if len(out) > limit {
		out = out[:limit]
	}

	if !partial {
		if err := cache.SetJSON(ctx, s.store, key, out, transfersTTL); err != nil {
			log.Printf("[Upstream] cache write %s: %v", key, err)
		}
	}
	return out, nil
}

// GetRecentTokenActivity returns the freshest transfers of a mint,
// newest first. Pass one resolves the mint's own signature stream; when
// that finds nothing (common for mints whose activity routes through
// token accounts) pass two walks the owners of the largest token
// accounts. Cached 2 minutes.
func (s *Service) GetRecentTokenActivity(ctx context.Context, mint string, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > activitySignatureCap {
		limit = activitySignatureCap
	}
	key := fmt.Sprintf("activity:%s:%d", mint, limit)

	var cached []models.Transfer
	hit, err := cache.GetJSON(ctx, s.store, key, &cached)
	if err != nil {
		log.Printf("[Upstream] cache read %s: %v", key, err)
	}
	metrics.ObserveCache("activity", hit)
	if hit {
		return cached, nil
	}

	rows, err := s.activityFromSignatures(ctx, mint, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		rows, err = s.activityFromLargestAccounts(ctx, mint, limit)
		if err != nil {
			return nil, err
		}
	}

	rows = dedupeTransfers(rows)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].BlockTime > rows[j].BlockTime })
	if len(rows) > limit {
		rows = rows[:limit]
	}

	if err := cache.SetJSON(ctx, s.store, key, rows, activityTTL); err != nil {
		log.Printf("[Upstream] cache write %s: %v", key, err)
	}
	return rows, nil
}

func (s *Service) activityFromSignatures(ctx context.Context, mint string, limit int) ([]models.Transfer, error) {
	sigs, err := s.client.GetSignaturesForAddress(ctx, mint, activitySignatureCap, "", "")
	if err != nil {
		return nil, err
	}

	pending := make([]string, 0, len(sigs))
	for _, si := range sigs {
		if len(si.Err) > 0 && string(si.Err) != "null" {
			continue
		}
		pending = append(pending, si.Signature)
	}

	var rows []models.Transfer
	for start := 0; start < len(pending) && len(rows) < limit; start += activityBatchSize {
		if err := ctx.Err(); err != nil {
			return rows, nil
		}
		end := start + activityBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		wire, err := s.client.GetEnhancedTransactions(ctx, pending[start:end])
		if err != nil {
			if len(rows) > 0 && isTransient(err) {
				log.Printf("[Upstream] activity scan for %s degraded after %d rows: %v", mint, len(rows), err)
				return rows, nil
			}
			return nil, err
		}
		for i := range wire {
			parsed := s.convertTransaction(&wire[i])
			rows = append(rows, s.TransfersOf(parsed, mint)...)
		}
	}
	return rows, nil
}

func (s *Service) activityFromLargestAccounts(ctx context.Context, mint string, limit int) ([]models.Transfer, error) {
	accounts, err := s.client.GetTokenLargestAccounts(ctx, mint)
	if err != nil {
		return nil, err
	}
	if len(accounts) > largestAccountsTop {
		accounts = accounts[:largestAccountsTop]
	}

	var rows []models.Transfer
	for _, acct := range accounts {
		owner, err := s.client.GetTokenAccountOwner(ctx, acct.Address)
		if err != nil {
			log.Printf("[Upstream] owner lookup %s: %v", acct.Address, err)
			continue
		}
		walk := owner
		if walk == "" {
			walk = acct.Address
		}
		page, err := s.client.GetEnhancedHistory(ctx, walk, historyPageSize, "", "")
		if err != nil {
			log.Printf("[Upstream] holder history %s: %v", walk, err)
			continue
		}
		for i := range page {
			parsed := s.convertTransaction(&page[i])
			rows = append(rows, s.TransfersOf(parsed, mint)...)
		}
		if len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// TransfersOf flattens one parsed transaction into classified transfer
// rows. mint filters to a single token; empty keeps every token leg.
// Failed transactions move nothing and flatten to nil.
func (s *Service) TransfersOf(tx *models.ParsedTransaction, mint string) []models.Transfer {
	if tx == nil || !tx.Success {
		return nil
	}
	txType := s.class.ClassifyType(tx)
	var direction string
	var swapInfo *models.SwapInfo
	if txType == models.TxTypeSwap {
		direction = s.class.SwapDirection(tx, mint)
		swapInfo = s.class.SwapMetadata(tx)
	}

	var out []models.Transfer
	for _, tt := range tx.TokenTransfers {
		if mint != "" && tt.Mint != mint {
			continue
		}
		if tt.FromUserAccount == "" || tt.ToUserAccount == "" {
			continue
		}
		out = append(out, models.Transfer{
			Signature:        tx.Signature,
			FromAddress:      tt.FromUserAccount,
			ToAddress:        tt.ToUserAccount,
			TokenMint:        tt.Mint,
			Amount:           tt.Amount,
			Decimals:         tt.Decimals,
			InstructionIndex: tt.InstructionIndex,
			BlockTime:        tx.BlockTime,
			Slot:             tx.Slot,
			TxType:           txType,
			SwapDirection:    direction,
			SwapInfo:         swapInfo,
		})
	}
	return out
}

// ─── Wire → model conversion ─────────────────────────────────────────

// convertTransaction normalizes one enhanced payload. Token amounts are
// scaled to base units exactly from the provider's decimal text; a
// transfer whose decimals cannot be resolved is dropped with a warning
// rather than guessed.
func (s *Service) convertTransaction(wire *EnhancedTransaction) *models.ParsedTransaction {
	mintDecimals := decimalsIndex(wire)

	parsed := &models.ParsedTransaction{
		Signature: wire.Signature,
		Slot:      wire.Slot,
		BlockTime: wire.Timestamp,
		Fee:       wire.Fee,
		FeePayer:  wire.FeePayer,
		Success:   len(wire.TransactionError) == 0 || string(wire.TransactionError) == "null",
		Type:      wire.Type,
		Source:    wire.Source,
	}

	for _, ad := range wire.AccountData {
		parsed.Accounts = append(parsed.Accounts, ad.Account)
	}
	for _, in := range wire.Instructions {
		parsed.Instructions = append(parsed.Instructions, models.Instruction{
			ProgramID: in.ProgramID,
			Accounts:  in.Accounts,
			Data:      in.Data,
		})
	}
	for _, nt := range wire.NativeTransfers {
		parsed.NativeTransfers = append(parsed.NativeTransfers, models.NativeTransfer{
			FromUserAccount: nt.FromUserAccount,
			ToUserAccount:   nt.ToUserAccount,
			Amount:          nt.Amount,
		})
	}

	for i, tt := range wire.TokenTransfers {
		amountText := tt.TokenAmount.String()
		decimals, ok := resolveDecimals(tt, mintDecimals, amountText)
		if !ok {
			log.Printf("[Upstream] %s: transfer %d mint %s has unresolvable decimals, dropped", wire.Signature, i, tt.Mint)
			continue
		}
		scaled, err := models.ScaleToBaseUnits(amountText, decimals)
		if err != nil {
			log.Printf("[Upstream] %s: transfer %d amount %q: %v", wire.Signature, i, amountText, err)
			continue
		}
		parsed.TokenTransfers = append(parsed.TokenTransfers, models.TokenTransfer{
			FromUserAccount:  tt.FromUserAccount,
			ToUserAccount:    tt.ToUserAccount,
			Mint:             tt.Mint,
			Amount:           scaled.Dec(),
			Decimals:         decimals,
			UIAmount:         amountText,
			InstructionIndex: i,
		})
	}

	parsed.BalanceDeltas = aggregateDeltas(wire)
	parsed.Swap = convertSwap(wire)
	return parsed
}

// resolveDecimals prefers the per-transaction balance-change index over
// the transfer's own field, which some payloads omit (encoded as 0).
// A zero-decimals mint is accepted only for whole-number amounts.
func resolveDecimals(tt TokenTransfer, index map[string]int, amountText string) (int, bool) {
	if d, ok := index[tt.Mint]; ok {
		return d, true
	}
	if tt.Decimals > 0 {
		return tt.Decimals, true
	}
	if !containsFraction(amountText) {
		return 0, true
	}
	return 0, false
}

func containsFraction(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' || s[i] == 'e' || s[i] == 'E' {
			return true
		}
	}
	return false
}

// decimalsIndex collects mint → decimals from every payload section
// that carries an authoritative decimals field.
func decimalsIndex(wire *EnhancedTransaction) map[string]int {
	index := make(map[string]int)
	for _, ad := range wire.AccountData {
		for _, tbc := range ad.TokenBalanceChanges {
			if tbc.Mint != "" {
				index[tbc.Mint] = tbc.RawTokenAmount.Decimals
			}
		}
	}
	if wire.Events != nil && wire.Events.Swap != nil {
		for _, leg := range wire.Events.Swap.TokenInputs {
			if leg.Mint != "" {
				index[leg.Mint] = leg.RawTokenAmount.Decimals
			}
		}
		for _, leg := range wire.Events.Swap.TokenOutputs {
			if leg.Mint != "" {
				index[leg.Mint] = leg.RawTokenAmount.Decimals
			}
		}
	}
	return index
}

// signedAccumulator nets signed base-unit amounts without leaving
// integer arithmetic.
type signedAccumulator struct {
	neg      bool
	mag      *uint256.Int
	decimals int
}

func (a *signedAccumulator) add(neg bool, v *uint256.Int) {
	if a.neg == neg {
		a.mag.Add(a.mag, v)
		return
	}
	switch a.mag.Cmp(v) {
	case 1:
		a.mag.Sub(a.mag, v)
	case 0:
		a.mag.Clear()
		a.neg = false
	case -1:
		a.mag.Sub(new(uint256.Int).Set(v), a.mag)
		a.neg = neg
	}
}

// aggregateDeltas nets the signed balance changes per (owner, mint),
// preserving first-seen order.
func aggregateDeltas(wire *EnhancedTransaction) []models.TokenBalanceDelta {
	type deltaKey struct{ account, mint string }

	var order []deltaKey
	acc := make(map[deltaKey]*signedAccumulator)

	for _, ad := range wire.AccountData {
		for _, tbc := range ad.TokenBalanceChanges {
			owner := tbc.UserAccount
			if owner == "" {
				owner = tbc.TokenAccount
			}
			if owner == "" || tbc.Mint == "" {
				continue
			}
			neg, mag, err := models.ParseSignedAmount(tbc.RawTokenAmount.TokenAmount.String())
			if err != nil {
				log.Printf("[Upstream] %s: balance change %s/%s: %v", wire.Signature, owner, tbc.Mint, err)
				continue
			}
			k := deltaKey{account: owner, mint: tbc.Mint}
			r, ok := acc[k]
			if !ok {
				r = &signedAccumulator{mag: uint256.NewInt(0), decimals: tbc.RawTokenAmount.Decimals}
				acc[k] = r
				order = append(order, k)
			}
			r.add(neg, mag)
		}
	}

	out := make([]models.TokenBalanceDelta, 0, len(order))
	for _, k := range order {
		r := acc[k]
		raw := r.mag.Dec()
		if r.neg && !r.mag.IsZero() {
			raw = "-" + raw
		}
		out = append(out, models.TokenBalanceDelta{
			Account:   k.account,
			Mint:      k.mint,
			RawChange: raw,
			Decimals:  r.decimals,
		})
	}
	return out
}

func convertSwap(wire *EnhancedTransaction) *models.SwapEvent {
	if wire.Events == nil || wire.Events.Swap == nil {
		return nil
	}
	src := wire.Events.Swap

	ev := &models.SwapEvent{}
	if src.NativeInput != nil {
		ev.NativeInput, _ = src.NativeInput.Amount.Int64()
	}
	if src.NativeOutput != nil {
		ev.NativeOutput, _ = src.NativeOutput.Amount.Int64()
	}
	if src.ProgramInfo != nil {
		ev.ProgramID = src.ProgramInfo.Account
	}
	ev.TokenInputs = convertSwapLegs(wire.Signature, src.TokenInputs)
	ev.TokenOutputs = convertSwapLegs(wire.Signature, src.TokenOutputs)
	return ev
}

func convertSwapLegs(signature string, legs []SwapLeg) []models.SwapLeg {
	out := make([]models.SwapLeg, 0, len(legs))
	for _, leg := range legs {
		_, mag, err := models.ParseSignedAmount(leg.RawTokenAmount.TokenAmount.String())
		if err != nil {
			log.Printf("[Upstream] %s: swap leg %s: %v", signature, leg.Mint, err)
			continue
		}
		out = append(out, models.SwapLeg{
			UserAccount: leg.UserAccount,
			Mint:        leg.Mint,
			Amount:      mag.Dec(),
			Decimals:    leg.RawTokenAmount.Decimals,
		})
	}
	return out
}

func dedupeTransfers(rows []models.Transfer) []models.Transfer {
	type seenKey struct{ signature, from string }
	seen := make(map[seenKey]bool, len(rows))
	out := rows[:0]
	for _, row := range rows {
		k := seenKey{signature: row.Signature, from: row.FromAddress}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, row)
	}
	return out
}

func isTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}
