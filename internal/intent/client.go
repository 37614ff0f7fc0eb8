package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tokenflow/analytics-engine/internal/cache"
	"github.com/tokenflow/analytics-engine/internal/metrics"
	"github.com/tokenflow/analytics-engine/pkg/models"
)

// Client talks to the external intent classifier. The service is
// optional infrastructure: constructed without a base URL, every
// operation answers {unknown, 0} immediately and nothing is cached.
// Classifier failures degrade the same way.

const (
	predictionTTL  = time.Hour
	batchChunkSize = 100
	requestTimeout = 10 * time.Second
	healthTimeout  = 2 * time.Second
)

// Labels the classifier is allowed to emit. Anything else coerces to
// unknown so a model rollout cannot leak new labels into responses.
var acceptedIntents = map[string]bool{
	"transfer":      true,
	"trading":       true,
	"arbitrage":     true,
	"bridging":      true,
	"yield_farming": true,
	"liquidation":   true,
	"governance":    true,
	"unknown":       true,
}

type Client struct {
	baseURL       string
	store         cache.Store
	predictClient *http.Client
	healthClient  *http.Client
}

func New(baseURL string, store cache.Store) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		store:         store,
		predictClient: &http.Client{Timeout: requestTimeout},
		healthClient:  &http.Client{Timeout: healthTimeout},
	}
}

// Enabled reports whether a classifier endpoint was configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

type predictRequest struct {
	Signature    string               `json:"signature"`
	Instructions []models.Instruction `json:"instructions,omitempty"`
	Accounts     []string             `json:"accounts,omitempty"`
	Fee          int64                `json:"fee"`
}

type predictResponse struct {
	Signature  string  `json:"signature"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

type batchRequest struct {
	Transactions []predictRequest `json:"transactions"`
}

type batchResponse struct {
	Predictions []predictResponse `json:"predictions"`
}

// Predict returns the classifier's verdict for one transaction,
// consulting the hour-long signature cache first. Failures return the
// unknown verdict and leave the cache untouched.
func (c *Client) Predict(ctx context.Context, tx *models.ParsedTransaction) models.IntentPrediction {
	if tx == nil || tx.Signature == "" {
		return models.IntentUnknown("")
	}
	if !c.Enabled() {
		return models.IntentUnknown(tx.Signature)
	}

	cacheKey := "intent:" + tx.Signature
	var cached models.IntentPrediction
	if hit, err := cache.GetJSON(ctx, c.store, cacheKey, &cached); err != nil {
		log.Printf("[Intent] cache read for %s failed: %v", tx.Signature, err)
	} else if hit {
		metrics.ObserveCache("intent", true)
		return cached
	}
	metrics.ObserveCache("intent", false)

	var resp predictResponse
	if err := c.post(ctx, "/predict", requestFor(tx), &resp); err != nil {
		log.Printf("[Intent] predict for %s failed: %v", tx.Signature, err)
		return models.IntentUnknown(tx.Signature)
	}

	pred := normalize(tx.Signature, resp)
	if err := cache.SetJSON(ctx, c.store, cacheKey, pred, predictionTTL); err != nil {
		log.Printf("[Intent] cache write for %s failed: %v", tx.Signature, err)
	}
	return pred
}

// PredictBatch classifies many transactions, chunking classifier calls
// at the batch limit. Output order matches input order; transactions
// the classifier does not answer for come back unknown.
func (c *Client) PredictBatch(ctx context.Context, txs []*models.ParsedTransaction) []models.IntentPrediction {
	out := make([]models.IntentPrediction, len(txs))
	if len(txs) == 0 {
		return out
	}

	var pending []*models.ParsedTransaction
	pendingIdx := make(map[string]int)
	for i, tx := range txs {
		if tx == nil || tx.Signature == "" {
			out[i] = models.IntentUnknown("")
			continue
		}
		out[i] = models.IntentUnknown(tx.Signature)
		if !c.Enabled() {
			continue
		}

		var cached models.IntentPrediction
		if hit, err := cache.GetJSON(ctx, c.store, "intent:"+tx.Signature, &cached); err == nil && hit {
			metrics.ObserveCache("intent", true)
			out[i] = cached
			continue
		}
		metrics.ObserveCache("intent", false)
		if _, seen := pendingIdx[tx.Signature]; !seen {
			pendingIdx[tx.Signature] = i
			pending = append(pending, tx)
		}
	}
	if !c.Enabled() || len(pending) == 0 {
		return out
	}

	for start := 0; start < len(pending); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		req := batchRequest{Transactions: make([]predictRequest, 0, len(chunk))}
		for _, tx := range chunk {
			req.Transactions = append(req.Transactions, requestFor(tx))
		}

		var resp batchResponse
		if err := c.post(ctx, "/predict/batch", req, &resp); err != nil {
			log.Printf("[Intent] batch of %d failed: %v", len(chunk), err)
			continue
		}

		for _, item := range resp.Predictions {
			i, ok := pendingIdx[item.Signature]
			if !ok {
				continue
			}
			pred := normalize(item.Signature, item)
			out[i] = pred
			if err := cache.SetJSON(ctx, c.store, "intent:"+item.Signature, pred, predictionTTL); err != nil {
				log.Printf("[Intent] cache write for %s failed: %v", item.Signature, err)
			}
		}
	}
	return out
}

// Healthy probes the classifier's health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.healthClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func requestFor(tx *models.ParsedTransaction) predictRequest {
	return predictRequest{
		Signature:    tx.Signature,
		Instructions: tx.Instructions,
		Accounts:     tx.Accounts,
		Fee:          tx.Fee,
	}
}

// normalize clamps confidence and coerces unrecognized labels.
func normalize(signature string, resp predictResponse) models.IntentPrediction {
	intent := strings.ToLower(strings.TrimSpace(resp.Intent))
	if !acceptedIntents[intent] {
		return models.IntentUnknown(signature)
	}
	confidence := resp.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return models.IntentPrediction{Signature: signature, Intent: intent, Confidence: confidence}
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, dst interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.predictClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
