package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/gin-gonic/gin"
)

// Canonical request parameters. Clients send these under half a dozen
// casings (tokenAddress, token_address, Token Address, ...); everything
// is folded onto the canonical name before validation.
const (
	paramToken     = "token"
	paramAddress   = "address"
	paramDirection = "direction"
	paramMaxDepth  = "maxDepth"
	paramTimeRange = "timeRange"
	paramLimit     = "limit"
)

const (
	defaultTimeRange = "24h"
	defaultMaxDepth  = 5
	maxTraceDepth    = 10
	defaultLimit     = 100
	maxLimit         = 1000
)

// paramSynonyms lists the camelCase spellings folded onto each
// canonical parameter; every casing variant of each synonym is
// accepted too.
var paramSynonyms = map[string][]string{
	paramToken:     {"token", "tokenAddress", "tokenMint", "mint"},
	paramAddress:   {"address", "walletAddress", "wallet"},
	paramDirection: {"direction"},
	paramMaxDepth:  {"maxDepth", "depth"},
	paramTimeRange: {"timeRange"},
	paramLimit:     {"limit"},
}

// aliasIndex maps every accepted spelling to its canonical parameter.
var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string]string {
	index := make(map[string]string)
	for canonical, synonyms := range paramSynonyms {
		for _, syn := range synonyms {
			for _, variant := range casingVariants(syn) {
				index[variant] = canonical
			}
		}
	}
	return index
}

// casingVariants expands a camelCase name into the spellings seen in
// the wild: camelCase, PascalCase, snake_case, Pascal_Snake, and
// space-separated Title Case.
func casingVariants(camel string) []string {
	words := splitCamel(camel)
	lower := make([]string, len(words))
	title := make([]string, len(words))
	for i, w := range words {
		lower[i] = strings.ToLower(w)
		title[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	variants := []string{
		camel,
		strings.Join(title, ""),
		strings.Join(lower, "_"),
		strings.Join(title, "_"),
		strings.Join(title, " "),
	}
	return variants
}

func splitCamel(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			words = append(words, s[start:i])
			start = i
		}
	}
	words = append(words, s[start:])
	return words
}

// requestParams is the merged, canonicalized view of one request's
// query string and JSON body.
type requestParams struct {
	values map[string]string
}

// collectParams merges query parameters with an optional JSON body
// (body wins) and folds every key onto its canonical name. The body is
// decoded strictly: exactly one JSON object, nothing trailing.
func collectParams(c *gin.Context) (*requestParams, error) {
	p := &requestParams{values: make(map[string]string)}

	for key, vals := range c.Request.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		p.fold(key, vals[0])
	}

	if c.Request.Body == nil || c.Request.Method == http.MethodGet {
		return p, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return p, nil
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("malformed JSON body: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON body")
	}
	for key, val := range fields {
		switch v := val.(type) {
		case string:
			p.fold(key, v)
		case json.Number:
			p.fold(key, v.String())
		case bool:
			p.fold(key, strconv.FormatBool(v))
		}
	}
	return p, nil
}

func (p *requestParams) fold(key, value string) {
	canonical, ok := aliasIndex[key]
	if !ok {
		return
	}
	p.values[canonical] = strings.TrimSpace(value)
}

func (p *requestParams) get(name string) string { return p.values[name] }

func (p *requestParams) direction() (string, error) {
	switch p.values[paramDirection] {
	case "":
		return "forward", nil
	case "forward":
		return "forward", nil
	case "backward":
		return "backward", nil
	default:
		return "", fmt.Errorf("direction must be forward or backward")
	}
}

// maxDepth clamps out-of-range values instead of rejecting them.
func (p *requestParams) maxDepth() int {
	raw := p.values[paramMaxDepth]
	if raw == "" {
		return defaultMaxDepth
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultMaxDepth
	}
	if n < 1 {
		return 1
	}
	if n > maxTraceDepth {
		return maxTraceDepth
	}
	return n
}

func (p *requestParams) limit() int {
	raw := p.values[paramLimit]
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

var timeRangePattern = regexp.MustCompile(`^(\d{1,6})(d|h|m)$`)

// parseTimeRange validates the <value><unit> grammar and its bounds:
// minutes ≤ 1440, hours ≤ 720, days ≤ 365. Violations are errors, not
// clamps.
func parseTimeRange(raw string) (time.Duration, error) {
	if raw == "" {
		raw = defaultTimeRange
	}
	m := timeRangePattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("timeRange %q does not match <value><d|h|m>", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("timeRange %q has a non-positive value", raw)
	}
	switch m[2] {
	case "m":
		if n > 1440 {
			return 0, fmt.Errorf("timeRange %q exceeds 1440 minutes", raw)
		}
		return time.Duration(n) * time.Minute, nil
	case "h":
		if n > 720 {
			return 0, fmt.Errorf("timeRange %q exceeds 720 hours", raw)
		}
		return time.Duration(n) * time.Hour, nil
	default:
		if n > 365 {
			return 0, fmt.Errorf("timeRange %q exceeds 365 days", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

// validAddress accepts base58 strings that decode to exactly 32 bytes.
func validAddress(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	return len(base58.Decode(s)) == 32
}

// validTxSignature accepts base58 strings that decode to exactly 64
// bytes (ed25519 signatures).
func validTxSignature(s string) bool {
	if len(s) < 87 || len(s) > 88 {
		return false
	}
	return len(base58.Decode(s)) == 64
}

// decodeStrictJSON reads a request body into dst, rejecting trailing
// data. Unknown fields pass through; contract growth stays painless.
func decodeStrictJSON(c *gin.Context, dst any) error {
	dec := json.NewDecoder(c.Request.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}
