package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// mockTemplates implements TemplateRepository for testing.
type mockTemplates struct {
	templates map[string]*Template
	err       error
	panicMsg  string
}

func newMockTemplates(templates ...*Template) *mockTemplates {
	m := &mockTemplates{templates: make(map[string]*Template)}
	for _, t := range templates {
		m.templates[t.Key] = t
	}
	return m
}

func (m *mockTemplates) GetTemplateByKey(_ context.Context, key string) (*Template, error) {
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.templates[key]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

func (m *mockTemplates) UpsertTemplate(_ context.Context, t *Template) error {
	m.templates[t.Key] = t
	return nil
}

func welcomeTemplate() *Template {
	return &Template{
		Key:      "welcome",
		Name:     "Welcome",
		Subject:  "Welcome, {{Name}}",
		Body:     "Hello {{Name}}, welcome to {{CompanyName}}!",
		IsActive: true,
		Version:  1,
	}
}

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer(newMockTemplates(welcomeTemplate()))

	got := r.Render(context.Background(), "welcome",
		json.RawMessage(`{"Name":"John Doe","CompanyName":"Acme"}`))

	assert.Equal(t, "Hello John Doe, welcome to Acme!", got)
}

func TestRenderer_RenderMessage_Subject(t *testing.T) {
	r := NewRenderer(newMockTemplates(welcomeTemplate()))

	subject, body := r.RenderMessage(context.Background(), "welcome",
		json.RawMessage(`{"name":"Ann","companyname":"Initech"}`))

	assert.Equal(t, "Welcome, Ann", subject)
	assert.Equal(t, "Hello Ann, welcome to Initech!", body)
}

func TestRenderer_Render_EmptyCases(t *testing.T) {
	inactive := welcomeTemplate()
	inactive.Key = "inactive"
	inactive.IsActive = false

	tests := []struct {
		name      string
		templates *mockTemplates
		key       string
	}{
		{"missing template", newMockTemplates(), "welcome"},
		{"inactive template", newMockTemplates(inactive), "inactive"},
		{"store error", &mockTemplates{err: errors.New("connection reset")}, "welcome"},
		{"store panic", &mockTemplates{panicMsg: "boom"}, "welcome"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRenderer(tt.templates)
			assert.NotPanics(t, func() {
				assert.Equal(t, "", r.Render(context.Background(), tt.key, json.RawMessage(`{"Name":"x"}`)))
			})
		})
	}
}

func TestRenderer_Render_MalformedData(t *testing.T) {
	r := NewRenderer(newMockTemplates(welcomeTemplate()))

	got := r.Render(context.Background(), "welcome", json.RawMessage(`{not json`))

	assert.Equal(t, "Hello , welcome to !", got)
}

func TestParseTokens(t *testing.T) {
	tests := []struct {
		name string
		data string
		want map[string]string
	}{
		{"empty", ``, map[string]string{}},
		{"malformed", `[1,2`, map[string]string{}},
		{"array", `["a"]`, map[string]string{}},
		{"strings", `{"Name":"John"}`, map[string]string{"name": "John"}},
		{"null", `{"Name":null}`, map[string]string{"name": ""}},
		{"number and bool", `{"Count":3,"Ok":true}`, map[string]string{"count": "3", "ok": "true"}},
		{"nested keeps json text", `{"Meta":{"a":1}}`, map[string]string{"meta": `{"a":1}`}},
		{"escaped string", `{"Quote":"say \"hi\""}`, map[string]string{"quote": `say "hi"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTokens(json.RawMessage(tt.data)))
		})
	}
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name     string
		template string
		tokens   map[string]string
		want     string
	}{
		{
			name:     "unknown token becomes empty",
			template: "Hello {{Name}}, your {{Unknown}} is ready!",
			tokens:   map[string]string{"Name": "John"},
			want:     "Hello John, your  is ready!",
		},
		{
			name:     "empty template",
			template: "",
			tokens:   map[string]string{"Name": "John"},
			want:     "",
		},
		{
			name:     "case insensitive keys",
			template: "{{NAME}} {{name}} {{Name}}",
			tokens:   map[string]string{"nAmE": "x"},
			want:     "x x x",
		},
		{
			name:     "repeated and adjacent tokens",
			template: "{{A}}{{B}}{{A}}",
			tokens:   map[string]string{"A": "1", "B": "2"},
			want:     "121",
		},
		{
			name:     "whitespace inside braces",
			template: "Hi {{ Name }}",
			tokens:   map[string]string{"Name": "Bo"},
			want:     "Hi Bo",
		},
		{
			name:     "no placeholders",
			template: "plain text",
			tokens:   nil,
			want:     "plain text",
		},
		{
			name:     "values are not re-expanded",
			template: "{{A}}",
			tokens:   map[string]string{"A": "{{B}}", "B": "no"},
			want:     "{{B}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.template, tt.tokens))
		})
	}
}
