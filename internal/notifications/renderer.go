package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// placeholderPattern matches {{Token}} placeholders.
var placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Renderer renders queue item bodies from stored templates.
type Renderer struct {
	templates TemplateRepository
}

// NewRenderer creates a new renderer.
func NewRenderer(templates TemplateRepository) *Renderer {
	return &Renderer{templates: templates}
}

// Render returns the rendered template body, or an empty string if the
// template is missing, inactive or cannot be rendered.
func (r *Renderer) Render(ctx context.Context, key string, data json.RawMessage) string {
	_, body := r.RenderMessage(ctx, key, data)
	return body
}

// RenderMessage renders both subject and body of the template.
// Both are empty if the template is missing, inactive or cannot be rendered.
func (r *Renderer) RenderMessage(ctx context.Context, key string, data json.RawMessage) (subject, body string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("template render panic", "template_key", key, "panic", rec)
			subject, body = "", ""
		}
	}()

	tmpl, err := r.templates.GetTemplateByKey(ctx, key)
	if err != nil {
		slog.Warn("template lookup failed", "template_key", key, "error", err)
		return "", ""
	}
	if tmpl == nil || !tmpl.IsActive {
		slog.Debug("template inactive", "template_key", key)
		return "", ""
	}

	tokens := ParseTokens(data)
	return Substitute(tmpl.Subject, tokens), Substitute(tmpl.Body, tokens)
}

// ParseTokens decodes a flat JSON object into a token map.
// Malformed input yields an empty map.
func ParseTokens(data json.RawMessage) map[string]string {
	tokens := make(map[string]string)
	if len(bytes.TrimSpace(data)) == 0 {
		return tokens
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Debug("template data is not a JSON object", "error", err)
		return tokens
	}

	for k, v := range raw {
		tokens[foldKey(k)] = tokenValue(v)
	}
	return tokens
}

func tokenValue(v json.RawMessage) string {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// Substitute replaces every {{Token}} in template with its value from tokens.
// Keys match case-insensitively and unknown tokens become empty strings.
func Substitute(template string, tokens map[string]string) string {
	if template == "" {
		return ""
	}

	folded := make(map[string]string, len(tokens))
	for k, v := range tokens {
		folded[foldKey(k)] = v
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]
		return folded[foldKey(name)]
	})
}

// foldKey normalizes a token name. Casers are stateful, so one is built per call.
func foldKey(k string) string {
	return cases.Fold().String(strings.TrimSpace(k))
}
