package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"paper_autopilot/internal/models"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("AI client not configured")

const systemInstruction = `You are a disciplined short-term trader. Given recent OHLCV candles for one
instrument, answer with JSON {"verdict":"BUY|SELL|HOLD","score":0-100,"reason":"..."}.
Only BUY when momentum and trend agree. Keep the reason under 30 words.`

// Client is a Gemini backed decision function.
type Client struct {
	apiKey  string
	model   string
	http    *resty.Client
	maxBars int
}

func NewClient(apiKey, model string) *Client {
	return NewClientWithBaseURL(defaultBaseURL, apiKey, model)
}

func NewClientWithBaseURL(baseURL, apiKey, model string) *Client {
	if model == "" {
		model = "gemini-2.5-flash" // Sensible default
	}
	if apiKey == "" {
		logger.Warn("GEMINI_API_KEY not found. AI decisions will be disabled.")
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		maxBars: 40,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || (r != nil && (r.StatusCode() == 429 || r.StatusCode() >= 500))
			}),
	}
}

// MakeDecision sends recent candles to Gemini and parses its verdict.
func (c *Client) MakeDecision(ctx context.Context, symbol string, candles map[string][]models.Bar, assetType string) (models.Decision, error) {
	if c.apiKey == "" {
		return models.Decision{}, ErrNotConfigured
	}

	snap := MarketSnapshot{Symbol: symbol, AssetType: assetType, Candles: map[string][]models.Bar{}}
	for interval, bars := range candles {
		if len(bars) > c.maxBars {
			bars = bars[len(bars)-c.maxBars:]
		}
		snap.Candles[interval] = bars
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return models.Decision{}, err
	}

	payload := generateRequest{
		SystemInstruction: content{Parts: []part{{Text: systemInstruction}}},
		Contents:          []content{{Parts: []part{{Text: fmt.Sprintf("Analyze this instrument: %s", snapJSON)}}}},
		GenerationConfig:  generationConfig{ResponseMimeType: "application/json"},
	}

	var out generateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("key", c.apiKey).
		SetBody(payload).
		SetResult(&out).
		Post(fmt.Sprintf("/models/%s:generateContent", c.model))
	if err != nil {
		return models.Decision{}, fmt.Errorf("gemini request: %w", err)
	}
	if resp.IsError() {
		return models.Decision{}, fmt.Errorf("AI API error %d: %s", resp.StatusCode(), resp.String())
	}

	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return models.Decision{}, fmt.Errorf("no candidates in AI response")
	}
	text := out.Candidates[0].Content.Parts[0].Text

	v, err := parseVerdict(text)
	if err != nil {
		return models.Decision{}, err
	}
	return models.Decision{
		Symbol:  symbol,
		Verdict: v.verdict(),
		Score:   math.Max(0, math.Min(100, v.Score)),
		Reason:  v.Reason,
		Trace:   []string{"gemini:" + c.model},
	}, nil
}

func parseVerdict(text string) (Verdict, error) {
	// Models sometimes wrap JSON in a fenced block.
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var v Verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse AI JSON output: %v. Raw: %s", err, text)
	}
	return v, nil
}

func (v Verdict) verdict() models.Verdict {
	switch strings.ToUpper(strings.TrimSpace(v.Verdict)) {
	case "BUY":
		return models.VerdictBuy
	case "SELL":
		return models.VerdictSell
	default:
		return models.VerdictHold
	}
}
