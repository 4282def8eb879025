package proxy

import (
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ModelRewriter resolves public model aliases to upstream Gemini model names
// in raw request bodies. With no aliases configured everything passes
// through unchanged.
type ModelRewriter struct {
	mapping map[string]string
}

// NewModelRewriter creates a rewriter over the configured alias map.
func NewModelRewriter(mapping map[string]string) *ModelRewriter {
	return &ModelRewriter{mapping: mapping}
}

// Rewrite returns the body with the model field replaced when an alias
// matches, plus the original and resolved model names. Invalid JSON or a
// missing model field passes through untouched.
func (r *ModelRewriter) Rewrite(body []byte, logger *zerolog.Logger) (out []byte, requested, resolved string) {
	requested = gjson.GetBytes(body, "model").String()
	resolved = requested
	out = body

	if requested == "" || len(r.mapping) == 0 {
		return out, requested, resolved
	}

	target, ok := r.mapping[requested]
	if !ok {
		return out, requested, resolved
	}

	rewritten, err := sjson.SetBytes(body, "model", target)
	if err != nil {
		logger.Warn().Err(err).Str("model", requested).Msg("model rewrite failed")
		return out, requested, resolved
	}

	logger.Debug().
		Str("from", requested).
		Str("to", target).
		Msg("rewrote model alias")
	return rewritten, requested, target
}

// Resolve maps a model name through the alias table without touching a body.
func (r *ModelRewriter) Resolve(model string) string {
	if target, ok := r.mapping[model]; ok {
		return target
	}
	return model
}
