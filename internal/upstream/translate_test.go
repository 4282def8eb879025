package upstream

import (
	"encoding/json"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToGenerateRequest(t *testing.T) {
	t.Run("maps roles onto user and model", func(t *testing.T) {
		req := &ChatRequest{Messages: []ChatMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "bye"},
		}}

		out := ToGenerateRequest(req)
		require.Len(t, out.Contents, 3)
		assert.Equal(t, "user", out.Contents[0].Role)
		assert.Equal(t, "model", out.Contents[1].Role)
		assert.Equal(t, "hello", out.Contents[1].Parts[0].Text)
		assert.Nil(t, out.SystemInstruction)
		assert.Nil(t, out.GenerationConfig)
	})

	t.Run("system and developer messages join the system instruction", func(t *testing.T) {
		req := &ChatRequest{Messages: []ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "developer", Content: "no markdown"},
			{Role: "user", Content: "hi"},
		}}

		out := ToGenerateRequest(req)
		require.NotNil(t, out.SystemInstruction)
		assert.Equal(t, "be brief\n\nno markdown", out.SystemInstruction.Parts[0].Text)
		assert.Len(t, out.Contents, 1)
	})

	t.Run("unknown roles fall back to user", func(t *testing.T) {
		req := &ChatRequest{Messages: []ChatMessage{{Role: "tool", Content: "output"}}}

		out := ToGenerateRequest(req)
		require.Len(t, out.Contents, 1)
		assert.Equal(t, "user", out.Contents[0].Role)
	})

	t.Run("sampling parameters populate the generation config", func(t *testing.T) {
		req := &ChatRequest{
			Messages:    []ChatMessage{{Role: "user", Content: "hi"}},
			Temperature: lo.ToPtr(0.7),
			MaxTokens:   lo.ToPtr(256),
			Stop:        StopSequences{"END"},
		}

		out := ToGenerateRequest(req)
		require.NotNil(t, out.GenerationConfig)
		assert.Equal(t, 0.7, *out.GenerationConfig.Temperature)
		assert.Equal(t, 256, *out.GenerationConfig.MaxOutputTokens)
		assert.Equal(t, []string{"END"}, out.GenerationConfig.StopSequences)
	})
}

func TestStopSequencesUnmarshal(t *testing.T) {
	t.Run("single string", func(t *testing.T) {
		var req ChatRequest
		require.NoError(t, json.Unmarshal([]byte(`{"stop":"END"}`), &req))
		assert.Equal(t, StopSequences{"END"}, req.Stop)
	})

	t.Run("array of strings", func(t *testing.T) {
		var req ChatRequest
		require.NoError(t, json.Unmarshal([]byte(`{"stop":["a","b"]}`), &req))
		assert.Equal(t, StopSequences{"a", "b"}, req.Stop)
	})
}

func TestToChatResponse(t *testing.T) {
	t.Run("maps candidates and usage", func(t *testing.T) {
		resp := &GenerateResponse{
			Candidates: []Candidate{{
				Content:      Content{Role: "model", Parts: []Part{{Text: "Hel"}, {Text: "lo"}}},
				FinishReason: FinishStop,
			}},
			UsageMetadata: &UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15},
		}

		out := ToChatResponse(resp, "gpt-proxy")
		assert.Equal(t, "chat.completion", out.Object)
		assert.Equal(t, "gpt-proxy", out.Model)
		assert.True(t, len(out.ID) > len("chatcmpl-"))

		require.Len(t, out.Choices, 1)
		assert.Equal(t, "assistant", out.Choices[0].Message.Role)
		assert.Equal(t, "Hello", out.Choices[0].Message.Content)
		assert.Equal(t, "stop", out.Choices[0].FinishReason)

		require.NotNil(t, out.Usage)
		assert.Equal(t, int64(10), out.Usage.PromptTokens)
		assert.Equal(t, int64(5), out.Usage.CompletionTokens)
	})

	t.Run("finish reason vocabulary", func(t *testing.T) {
		for gemini, openai := range map[string]string{
			FinishStop:       "stop",
			FinishMaxTokens:  "length",
			FinishSafety:     "content_filter",
			FinishRecitation: "content_filter",
			"":               "stop",
		} {
			resp := &GenerateResponse{Candidates: []Candidate{{FinishReason: gemini}}}
			assert.Equal(t, openai, ToChatResponse(resp, "m").Choices[0].FinishReason)
		}
	})

	t.Run("no candidates yields a content filter choice", func(t *testing.T) {
		out := ToChatResponse(&GenerateResponse{}, "m")
		require.Len(t, out.Choices, 1)
		assert.Equal(t, "content_filter", out.Choices[0].FinishReason)
	})
}

func TestChunkTranslator(t *testing.T) {
	t.Run("first chunk carries the role, later chunks do not", func(t *testing.T) {
		tr := NewChunkTranslator("m")

		first := tr.Translate(&GenerateResponse{Candidates: []Candidate{{
			Content: Content{Parts: []Part{{Text: "Hel"}}},
		}}})
		second := tr.Translate(&GenerateResponse{Candidates: []Candidate{{
			Content: Content{Parts: []Part{{Text: "lo"}}},
		}}})

		assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
		assert.Equal(t, "Hel", first.Choices[0].Delta.Content)
		assert.Nil(t, first.Choices[0].FinishReason)

		assert.Empty(t, second.Choices[0].Delta.Role)
		assert.Equal(t, "lo", second.Choices[0].Delta.Content)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("finish reason and usage on the final chunk", func(t *testing.T) {
		tr := NewChunkTranslator("m")
		out := tr.Translate(&GenerateResponse{
			Candidates:    []Candidate{{FinishReason: FinishStop}},
			UsageMetadata: &UsageMetadata{PromptTokenCount: 3},
		})

		require.NotNil(t, out.Choices[0].FinishReason)
		assert.Equal(t, "stop", *out.Choices[0].FinishReason)
		require.NotNil(t, out.Usage)
		assert.Equal(t, int64(3), out.Usage.PromptTokens)
	})

	t.Run("done chunk closes an unfinished stream", func(t *testing.T) {
		tr := NewChunkTranslator("m")
		done := tr.Done()
		require.NotNil(t, done.Choices[0].FinishReason)
		assert.Equal(t, "stop", *done.Choices[0].FinishReason)
	})
}

func TestEstimatePromptTokens(t *testing.T) {
	t.Run("roughly four bytes per token", func(t *testing.T) {
		req := &GenerateRequest{
			Contents: []Content{{Parts: []Part{{Text: "this prompt has forty characters in all!"}}}},
		}
		assert.Equal(t, int64(11), EstimatePromptTokens(req))
	})

	t.Run("counts the system instruction", func(t *testing.T) {
		req := &GenerateRequest{
			Contents:          []Content{{Parts: []Part{{Text: "hi"}}}},
			SystemInstruction: &Content{Parts: []Part{{Text: "be brief!!"}}},
		}
		assert.Equal(t, int64(4), EstimatePromptTokens(req))
	})

	t.Run("empty request estimates zero", func(t *testing.T) {
		assert.Zero(t, EstimatePromptTokens(&GenerateRequest{}))
	})
}

func TestGenerateResponseBlocked(t *testing.T) {
	tests := []struct {
		name string
		resp GenerateResponse
		want bool
	}{
		{"prompt feedback block", GenerateResponse{PromptFeedback: &PromptFeedback{BlockReason: "SAFETY"}}, true},
		{"no candidates", GenerateResponse{}, true},
		{"safety finish", GenerateResponse{Candidates: []Candidate{{FinishReason: FinishSafety}}}, true},
		{"recitation finish", GenerateResponse{Candidates: []Candidate{{FinishReason: FinishRecitation}}}, true},
		{"normal stop", GenerateResponse{Candidates: []Candidate{{
			Content: Content{Parts: []Part{{Text: "hi"}}}, FinishReason: FinishStop,
		}}}, false},
		{"max tokens", GenerateResponse{Candidates: []Candidate{{FinishReason: FinishMaxTokens}}}, false},
		{"other finish with no text", GenerateResponse{Candidates: []Candidate{{FinishReason: "OTHER"}}}, true},
		{"other finish with text", GenerateResponse{Candidates: []Candidate{{
			Content: Content{Parts: []Part{{Text: "hi"}}}, FinishReason: "OTHER",
		}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.Blocked())
		})
	}
}
