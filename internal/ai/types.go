package ai

import "paper_autopilot/internal/models"

// Verdict is the structured output expected from the model.
type Verdict struct {
	Verdict string  `json:"verdict"` // BUY, SELL, HOLD
	Score   float64 `json:"score"`   // 0-100
	Reason  string  `json:"reason"`
}

// MarketSnapshot is the data payload sent to the model.
type MarketSnapshot struct {
	Symbol    string                  `json:"symbol"`
	AssetType string                  `json:"asset_type"`
	Candles   map[string][]models.Bar `json:"candles"`
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	SystemInstruction content          `json:"system_instruction"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	ResponseMimeType string `json:"response_mime_type"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}
