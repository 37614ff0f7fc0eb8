package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const testSig88 = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"

func paramContext(t *testing.T, method, target, body string) *gin.Context {
	t.Helper()
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if body == "" {
		c.Request = httptest.NewRequest(method, target, nil)
	} else {
		c.Request = httptest.NewRequest(method, target, strings.NewReader(body))
		c.Request.Header.Set("Content-Type", "application/json")
	}
	return c
}

func TestCollectParamsFoldsCasings(t *testing.T) {
	queries := []string{
		"token=MINT",
		"tokenAddress=MINT",
		"TokenAddress=MINT",
		"token_address=MINT",
		"Token_Address=MINT",
		"Token%20Address=MINT",
		"tokenMint=MINT",
		"token_mint=MINT",
		"mint=MINT",
		"Mint=MINT",
	}
	for _, q := range queries {
		c := paramContext(t, "GET", "/api/v1/analyze/path?"+q, "")
		p, err := collectParams(c)
		if err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		if got := p.get(paramToken); got != "MINT" {
			t.Errorf("%s: token = %q, want MINT", q, got)
		}
	}
}

func TestCollectParamsAddressSynonyms(t *testing.T) {
	for _, q := range []string{"address=W", "walletAddress=W", "wallet_address=W", "wallet=W", "Wallet=W"} {
		c := paramContext(t, "GET", "/x?"+q, "")
		p, err := collectParams(c)
		if err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		if got := p.get(paramAddress); got != "W" {
			t.Errorf("%s: address = %q, want W", q, got)
		}
	}
}

func TestCollectParamsBodyOverridesQuery(t *testing.T) {
	c := paramContext(t, "POST", "/x?address=fromQuery&depth=2",
		`{"walletAddress":"fromBody","max_depth":7,"timeRange":"48h"}`)
	p, err := collectParams(c)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.get(paramAddress); got != "fromBody" {
		t.Errorf("address = %q, want fromBody", got)
	}
	if got := p.maxDepth(); got != 7 {
		t.Errorf("maxDepth = %d, want 7", got)
	}
	if got := p.get(paramTimeRange); got != "48h" {
		t.Errorf("timeRange = %q, want 48h", got)
	}
}

func TestCollectParamsStrictBody(t *testing.T) {
	if _, err := collectParams(paramContext(t, "POST", "/x", `{"token":"a"}{"token":"b"}`)); err == nil {
		t.Error("trailing JSON accepted")
	}
	if _, err := collectParams(paramContext(t, "POST", "/x", `not json`)); err == nil {
		t.Error("malformed body accepted")
	}
	// GET bodies are ignored entirely.
	if _, err := collectParams(paramContext(t, "GET", "/x?token=a", `not json`)); err != nil {
		t.Errorf("GET body rejected: %v", err)
	}
	// Empty POST body is fine.
	if _, err := collectParams(paramContext(t, "POST", "/x?token=a", "")); err != nil {
		t.Errorf("empty body rejected: %v", err)
	}
}

func TestDirectionValidation(t *testing.T) {
	for raw, want := range map[string]string{"": "forward", "forward": "forward", "backward": "backward"} {
		p := &requestParams{values: map[string]string{}}
		if raw != "" {
			p.values[paramDirection] = raw
		}
		got, err := p.direction()
		if err != nil || got != want {
			t.Errorf("direction(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	p := &requestParams{values: map[string]string{paramDirection: "sideways"}}
	if _, err := p.direction(); err == nil {
		t.Error("direction accepted sideways")
	}
}

func TestMaxDepthClamps(t *testing.T) {
	cases := map[string]int{"": 5, "0": 1, "-3": 1, "1": 1, "3": 3, "10": 10, "11": 10, "99": 10, "abc": 5}
	for raw, want := range cases {
		p := &requestParams{values: map[string]string{}}
		if raw != "" {
			p.values[paramMaxDepth] = raw
		}
		if got := p.maxDepth(); got != want {
			t.Errorf("maxDepth(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestLimitClamps(t *testing.T) {
	cases := map[string]int{"": 100, "250": 250, "1000": 1000, "1001": 1000, "0": 100, "-5": 100, "x": 100}
	for raw, want := range cases {
		p := &requestParams{values: map[string]string{}}
		if raw != "" {
			p.values[paramLimit] = raw
		}
		if got := p.limit(); got != want {
			t.Errorf("limit(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestParseTimeRange(t *testing.T) {
	valid := map[string]time.Duration{
		"":      24 * time.Hour,
		"24h":   24 * time.Hour,
		"720h":  720 * time.Hour,
		"90m":   90 * time.Minute,
		"1440m": 1440 * time.Minute,
		"7d":    7 * 24 * time.Hour,
		"365d":  365 * 24 * time.Hour,
	}
	for raw, want := range valid {
		got, err := parseTimeRange(raw)
		if err != nil || got != want {
			t.Errorf("parseTimeRange(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}

	invalid := []string{"366d", "721h", "1441m", "0h", "h", "24", "1w", "24H", " 24h", "24h ", "1000000d"}
	for _, raw := range invalid {
		if _, err := parseTimeRange(raw); err == nil {
			t.Errorf("parseTimeRange(%q) accepted", raw)
		}
	}
}

func TestValidAddress(t *testing.T) {
	valid := []string{
		"So11111111111111111111111111111111111111112",
		"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		"11111111111111111111111111111111", // system program, shortest form
		testWallet,
	}
	for _, s := range valid {
		if !validAddress(s) {
			t.Errorf("validAddress(%q) = false", s)
		}
	}
	// Wrong alphabet ('O', '0'), wrong decoded width, wrong length.
	invalid := []string{
		"",
		"abc",
		"So1111111111111111111111111111111111111111O2",
		"0x1111111111111111111111111111111111111111",
		strings.Repeat("1", 31),
		strings.Repeat("1", 45),
		testSig,
	}
	for _, s := range invalid {
		if validAddress(s) {
			t.Errorf("validAddress(%q) = true", s)
		}
	}
}

func TestValidTxSignature(t *testing.T) {
	if !validTxSignature(testSig) {
		t.Errorf("87-char signature rejected")
	}
	if !validTxSignature(testSig88) {
		t.Errorf("88-char signature rejected")
	}
	for _, s := range []string{"", testWallet, testMintFix, strings.Repeat("1", 87), testSig + "11"} {
		if validTxSignature(s) {
			t.Errorf("validTxSignature(%q) = true", s)
		}
	}
}
