package upstream

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// OpenAI roles mapped onto Gemini's user/model pair. System messages become
// the systemInstruction; everything unmapped falls back to user.
const (
	roleUser      = "user"
	roleModel     = "model"
	roleAssistant = "assistant"
	roleSystem    = "system"
	roleDeveloper = "developer"
)

// ToGenerateRequest converts an OpenAI chat request into the Gemini body.
// System and developer messages are concatenated into the system instruction.
func ToGenerateRequest(req *ChatRequest) *GenerateRequest {
	out := &GenerateRequest{}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case roleSystem, roleDeveloper:
			system = append(system, msg.Content)
		case roleAssistant:
			out.Contents = append(out.Contents, Content{
				Role:  roleModel,
				Parts: []Part{{Text: msg.Content}},
			})
		default:
			out.Contents = append(out.Contents, Content{
				Role:  roleUser,
				Parts: []Part{{Text: msg.Content}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &Content{
			Parts: []Part{{Text: strings.Join(system, "\n\n")}},
		}
	}

	gc := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	if gc.Temperature != nil || gc.TopP != nil || gc.MaxOutputTokens != nil || len(gc.StopSequences) > 0 {
		out.GenerationConfig = gc
	}

	return out
}

// finishReason maps Gemini finish reasons to OpenAI's vocabulary.
func finishReason(gemini string) string {
	switch gemini {
	case FinishMaxTokens:
		return "length"
	case FinishSafety, FinishRecitation:
		return "content_filter"
	default:
		return "stop"
	}
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// ToChatResponse converts a Gemini response into the OpenAI shape. model is
// the name the client asked for, echoed back regardless of aliasing.
func ToChatResponse(resp *GenerateResponse, model string) *ChatResponse {
	out := &ChatResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}

	out.Choices = lo.Map(resp.Candidates, func(c Candidate, i int) ChatChoice {
		text := strings.Join(lo.Map(c.Parts(), func(p Part, _ int) string { return p.Text }), "")
		return ChatChoice{
			Index:        i,
			Message:      ChatMessage{Role: roleAssistant, Content: text},
			FinishReason: finishReason(c.FinishReason),
		}
	})
	if len(out.Choices) == 0 {
		out.Choices = []ChatChoice{{
			Message:      ChatMessage{Role: roleAssistant, Content: ""},
			FinishReason: "content_filter",
		}}
	}

	if u := resp.UsageMetadata; u != nil {
		out.Usage = &ChatUsage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}

	return out
}

// ChunkTranslator converts Gemini stream chunks into chat.completion.chunk
// payloads sharing one completion id.
type ChunkTranslator struct {
	id      string
	model   string
	created int64
	started bool
}

// NewChunkTranslator creates a translator for one streamed completion.
func NewChunkTranslator(model string) *ChunkTranslator {
	return &ChunkTranslator{
		id:      completionID(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Translate converts one Gemini chunk. The first chunk carries the assistant
// role; a chunk with a finish reason carries finish_reason and usage.
func (t *ChunkTranslator) Translate(resp *GenerateResponse) *ChatChunk {
	chunk := &ChatChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
	}

	choice := ChunkChoice{}
	if !t.started {
		choice.Delta.Role = roleAssistant
		t.started = true
	}
	if len(resp.Candidates) > 0 {
		c := resp.Candidates[0]
		choice.Delta.Content = strings.Join(lo.Map(c.Parts(), func(p Part, _ int) string { return p.Text }), "")
		if c.FinishReason != "" {
			fr := finishReason(c.FinishReason)
			choice.FinishReason = &fr
		}
	}
	chunk.Choices = []ChunkChoice{choice}

	if u := resp.UsageMetadata; u != nil {
		chunk.Usage = &ChatUsage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}

	return chunk
}

// Done returns the terminating chunk when the upstream stream ended without
// a finish reason.
func (t *ChunkTranslator) Done() *ChatChunk {
	fr := "stop"
	return &ChatChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{FinishReason: &fr}},
	}
}

// EstimatePromptTokens approximates the prompt token count when the upstream
// never reported usage. Roughly four bytes per token for English text.
func EstimatePromptTokens(req *GenerateRequest) int64 {
	var bytes int
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			bytes += len(p.Text)
		}
	}
	if req.SystemInstruction != nil {
		for _, p := range req.SystemInstruction.Parts {
			bytes += len(p.Text)
		}
	}
	if bytes == 0 {
		return 0
	}
	return int64(bytes/4) + 1
}
