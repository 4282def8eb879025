// Package upstream implements the Gemini API client and the translation
// between the OpenAI-compatible surface and Gemini's wire format.
package upstream

// Content is a single turn in a Gemini conversation.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one piece of content within a turn.
type Part struct {
	Text string `json:"text,omitempty"`
}

// GenerationConfig carries sampling parameters.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GenerateRequest is the body of generateContent / streamGenerateContent.
type GenerateRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// SafetyRating is a per-category safety score on a candidate.
type SafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability"`
	Blocked     bool   `json:"blocked,omitempty"`
}

// Candidate is one generated completion.
type Candidate struct {
	Content       Content        `json:"content"`
	FinishReason  string         `json:"finishReason,omitempty"`
	Index         int            `json:"index,omitempty"`
	SafetyRatings []SafetyRating `json:"safetyRatings,omitempty"`
}

// PromptFeedback reports prompt-level blocking.
type PromptFeedback struct {
	BlockReason   string         `json:"blockReason,omitempty"`
	SafetyRatings []SafetyRating `json:"safetyRatings,omitempty"`
}

// UsageMetadata carries token accounting for a response or stream chunk.
type UsageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int64 `json:"totalTokenCount,omitempty"`
}

// GenerateResponse is the body of a generateContent response. Stream chunks
// use the same shape, with usageMetadata typically only on the final chunk.
type GenerateResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

// Candidate finish reasons we inspect.
const (
	FinishStop       = "STOP"
	FinishMaxTokens  = "MAX_TOKENS"
	FinishSafety     = "SAFETY"
	FinishRecitation = "RECITATION"
)

// Text returns the concatenated text of the first candidate, or "" when the
// response carries no candidates.
func (r *GenerateResponse) Text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var out string
	for _, p := range r.Candidates[0].Parts() {
		out += p.Text
	}
	return out
}

// Parts returns the candidate's content parts.
func (c *Candidate) Parts() []Part {
	return c.Content.Parts
}

// Blocked reports whether the response was refused for content reasons:
// prompt-level block, a SAFETY or RECITATION finish, or a candidate that
// finished without STOP and produced no text.
func (r *GenerateResponse) Blocked() bool {
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return true
	}
	if len(r.Candidates) == 0 {
		return true
	}
	c := r.Candidates[0]
	switch c.FinishReason {
	case FinishSafety, FinishRecitation:
		return true
	case "", FinishStop, FinishMaxTokens:
		return false
	}
	return r.Text() == ""
}
