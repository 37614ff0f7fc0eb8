package api

import (
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/tokenflow/analytics-engine/internal/classifier"
	"github.com/tokenflow/analytics-engine/internal/metrics"
	"github.com/tokenflow/analytics-engine/pkg/models"
)

// handleAnalyzePath reconstructs multi-hop flow paths for one wallet
// and token. Accepts the parameters via query string or JSON body.
func (h *APIHandler) handleAnalyzePath(c *gin.Context) {
	params, err := collectParams(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	address := params.get(paramAddress)
	if !validAddress(address) {
		respondError(c, http.StatusBadRequest, CodeInvalidAddress, "address must be a base58 32-byte key")
		return
	}
	token := params.get(paramToken)
	if !validAddress(token) {
		respondError(c, http.StatusBadRequest, CodeInvalidAddress, "token must be a base58 mint address")
		return
	}
	direction, err := params.direction()
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	timeRange := params.get(paramTimeRange)
	if timeRange == "" {
		timeRange = defaultTimeRange
	}
	window, err := parseTimeRange(timeRange)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidTimeRange, err.Error())
		return
	}
	maxDepth := params.maxDepth()

	ctx := c.Request.Context()
	var paths []models.FlowPath
	if direction == models.DirectionBackward {
		paths, err = h.flows.BuildBackwardPaths(ctx, address, token, maxDepth, window)
	} else {
		paths, err = h.flows.BuildForwardPaths(ctx, address, token, maxDepth, window)
	}
	if err != nil {
		respondUpstreamError(c, err)
		return
	}
	metrics.AnalysisRequests.WithLabelValues("analyze_path").Inc()

	c.JSON(http.StatusOK, gin.H{
		"address":   address,
		"token":     token,
		"direction": direction,
		"maxDepth":  maxDepth,
		"timeRange": timeRange,
		"pathCount": len(paths),
		"paths":     paths,
	})
}

// handleRisk scores one address, optionally narrowed to a single mint.
// High and critical verdicts go out on the alert stream.
func (h *APIHandler) handleRisk(c *gin.Context) {
	address := c.Param("address")
	if !validAddress(address) {
		respondError(c, http.StatusBadRequest, CodeInvalidAddress, "address must be a base58 32-byte key")
		return
	}
	params, err := collectParams(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	token := params.get(paramToken)
	if token != "" && !validAddress(token) {
		respondError(c, http.StatusBadRequest, CodeInvalidAddress, "token must be a base58 mint address")
		return
	}

	assessment, err := h.risks.AssessRisk(c.Request.Context(), address, token)
	if err != nil {
		respondUpstreamError(c, err)
		return
	}
	metrics.AnalysisRequests.WithLabelValues("risk").Inc()

	if h.hub != nil &&
		(assessment.RiskLevel == models.RiskLevelHigh || assessment.RiskLevel == models.RiskLevelCritical) {
		h.hub.PublishRiskAlert(assessment)
	}
	c.JSON(http.StatusOK, assessment)
}

// handleIntent returns the classifier's verdict for one known
// signature. An unknown signature is 404; a dark classifier still
// answers with the unknown label.
func (h *APIHandler) handleIntent(c *gin.Context) {
	signature := c.Param("signature")
	if !validTxSignature(signature) {
		respondError(c, http.StatusBadRequest, CodeInvalidSignature, "signature must be a base58 64-byte value")
		return
	}

	ctx := c.Request.Context()
	tx, err := h.upstream.GetTransaction(ctx, signature)
	if err != nil {
		respondUpstreamError(c, err)
		return
	}
	if tx == nil {
		respondError(c, http.StatusNotFound, CodeNotFound, "unknown transaction signature")
		return
	}
	prediction := h.intents.Predict(ctx, tx)
	metrics.AnalysisRequests.WithLabelValues("intent").Inc()

	c.JSON(http.StatusOK, prediction)
}

type traceRequest struct {
	Signatures []string `json:"signatures"`
	BuildGraph bool     `json:"buildGraph"`
}

type tracedTransaction struct {
	Signature string            `json:"signature"`
	Slot      int64             `json:"slot"`
	BlockTime int64             `json:"blockTime"`
	Fee       int64             `json:"fee"`
	FeePayer  string            `json:"feePayer"`
	Success   bool              `json:"success"`
	Type      string            `json:"type"`
	Source    string            `json:"source,omitempty"`
	Swap      *models.SwapInfo  `json:"swap,omitempty"`
	Transfers []models.Transfer `json:"transfers"`
}

// handleTrace resolves a batch of signatures into classified
// transactions, optionally assembling the combined transfer graph.
// Resolved transactions are persisted best-effort.
func (h *APIHandler) handleTrace(c *gin.Context) {
	var req traceRequest
	if err := decodeStrictJSON(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if len(req.Signatures) < 1 || len(req.Signatures) > 100 {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "signatures must contain between 1 and 100 entries")
		return
	}
	for i, sig := range req.Signatures {
		if !validTxSignature(sig) {
			respondError(c, http.StatusBadRequest, CodeInvalidSignature,
				fmt.Sprintf("signatures[%d] is not a base58 64-byte value", i))
			return
		}
	}

	ctx := c.Request.Context()
	txs, err := h.upstream.GetTransactionsBatch(ctx, req.Signatures)
	if err != nil {
		respondUpstreamError(c, err)
		return
	}
	metrics.AnalysisRequests.WithLabelValues("trace").Inc()

	found := make(map[string]bool, len(txs))
	traced := make([]tracedTransaction, 0, len(txs))
	var allTransfers []models.Transfer
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		found[tx.Signature] = true
		txType := h.classifier.ClassifyType(tx)
		transfers := h.upstream.TransfersOf(tx, "")
		if transfers == nil {
			transfers = []models.Transfer{}
		}
		entry := tracedTransaction{
			Signature: tx.Signature,
			Slot:      tx.Slot,
			BlockTime: tx.BlockTime,
			Fee:       tx.Fee,
			FeePayer:  tx.FeePayer,
			Success:   tx.Success,
			Type:      txType,
			Source:    tx.Source,
			Transfers: transfers,
		}
		if txType == models.TxTypeSwap {
			entry.Swap = h.classifier.SwapMetadata(tx)
		}
		traced = append(traced, entry)
		allTransfers = append(allTransfers, transfers...)

		if h.analytics != nil {
			if err := h.analytics.SaveTransactionWithTransfers(ctx, tx, txType, transfers); err != nil {
				log.Printf("[API] persist trace %s: %v", tx.Signature, err)
			}
		}
	}

	missing := []string{}
	for _, sig := range req.Signatures {
		if !found[sig] {
			missing = append(missing, sig)
		}
	}

	response := gin.H{
		"requested":    len(req.Signatures),
		"found":        len(traced),
		"missing":      missing,
		"transactions": traced,
	}
	if req.BuildGraph {
		response["graph"] = h.buildTransferGraph(c, allTransfers)
	}
	c.JSON(http.StatusOK, response)
}

// handleTokenActivity surveys recent transfer flow for one mint and
// renders it as an annotated graph plus summary counters.
func (h *APIHandler) handleTokenActivity(c *gin.Context) {
	params, err := collectParams(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	token := params.get(paramToken)
	if !validAddress(token) {
		respondError(c, http.StatusBadRequest, CodeInvalidAddress, "token must be a base58 mint address")
		return
	}
	limit := params.limit()

	transfers, err := h.upstream.GetRecentTokenActivity(c.Request.Context(), token, limit)
	if err != nil {
		respondUpstreamError(c, err)
		return
	}
	metrics.AnalysisRequests.WithLabelValues("analyze_token").Inc()

	graph := h.buildTransferGraph(c, transfers)
	if h.hub != nil {
		h.hub.PublishPoolAlert(token, graph.Pools)
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"limit":     limit,
		"count":     len(transfers),
		"transfers": transfers,
		"graph":     graph,
		"summary":   summarizeActivity(transfers),
	})
}

type graphNode struct {
	Address    string `json:"address"`
	EntityKind string `json:"entityKind,omitempty"`
	EntityName string `json:"entityName,omitempty"`
	Pool       bool   `json:"pool,omitempty"`
}

type graphEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	TokenMint string `json:"tokenMint"`
	Amount    string `json:"amount"`
	Transfers int    `json:"transfers"`
	Swaps     int    `json:"swaps"`
}

type transferGraph struct {
	Nodes []graphNode `json:"nodes"`
	Edges []graphEdge `json:"edges"`
	Pools []string    `json:"pools,omitempty"`
}

// buildTransferGraph collapses transfers into a node/edge view. Known
// entities keep their registry labels; inferred pool hubs are marked
// even when the registry has never heard of them.
func (h *APIHandler) buildTransferGraph(c *gin.Context, transfers []models.Transfer) *transferGraph {
	ctx := c.Request.Context()
	pools := classifier.PoolHubs(transfers)

	type edgeKey struct{ from, to, mint string }
	edgeSums := make(map[edgeKey]*uint256.Int)
	edgeCounts := make(map[edgeKey]int)
	edgeSwaps := make(map[edgeKey]int)
	seen := make(map[string]bool)

	for _, t := range transfers {
		seen[t.FromAddress] = true
		seen[t.ToAddress] = true
		key := edgeKey{t.FromAddress, t.ToAddress, t.TokenMint}
		amount, err := models.ParseAmount(t.Amount)
		if err != nil {
			continue
		}
		if sum, ok := edgeSums[key]; ok {
			sum.Add(sum, amount)
		} else {
			edgeSums[key] = amount.Clone()
		}
		edgeCounts[key]++
		if t.TxType == models.TxTypeSwap {
			edgeSwaps[key]++
		}
	}

	graph := &transferGraph{Nodes: []graphNode{}, Edges: []graphEdge{}}
	for address := range seen {
		node := graphNode{Address: address}
		if kind, name := h.registry.KindOf(ctx, address); kind != "" {
			node.EntityKind = kind
			node.EntityName = name
		}
		if pools[address] {
			node.Pool = true
			if node.EntityKind == "" {
				node.EntityKind = models.EntityKindPool
			}
			graph.Pools = append(graph.Pools, address)
		}
		graph.Nodes = append(graph.Nodes, node)
	}
	sort.Slice(graph.Nodes, func(i, j int) bool { return graph.Nodes[i].Address < graph.Nodes[j].Address })
	sort.Strings(graph.Pools)

	for key, sum := range edgeSums {
		graph.Edges = append(graph.Edges, graphEdge{
			From:      key.from,
			To:        key.to,
			TokenMint: key.mint,
			Amount:    sum.Dec(),
			Transfers: edgeCounts[key],
			Swaps:     edgeSwaps[key],
		})
	}
	sort.Slice(graph.Edges, func(i, j int) bool {
		a, b := graph.Edges[i], graph.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.TokenMint < b.TokenMint
	})
	return graph
}

type activitySummary struct {
	Total     int `json:"total"`
	Transfers int `json:"transfers"`
	Swaps     int `json:"swaps"`
	Buys      int `json:"buys"`
	Sells     int `json:"sells"`
}

func summarizeActivity(transfers []models.Transfer) activitySummary {
	s := activitySummary{Total: len(transfers)}
	for _, t := range transfers {
		switch t.TxType {
		case models.TxTypeSwap:
			s.Swaps++
		default:
			s.Transfers++
		}
		switch t.SwapDirection {
		case models.SwapDirectionBuy:
			s.Buys++
		case models.SwapDirectionSell:
			s.Sells++
		}
	}
	return s
}
