package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

func TestToSchemaSkipsEmptyAndUnknown(t *testing.T) {
	out := toSchema([]Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "   "},
		{Role: "tool", Content: "ignored"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	})
	require.Len(t, out, 3)
	assert.Equal(t, schema.System, out[0].Role)
	assert.Equal(t, schema.User, out[1].Role)
	assert.Equal(t, "hi", out[1].Content)
	assert.Equal(t, schema.Assistant, out[2].Role)
}

func TestToSchemaEmptyBecomesGreeting(t *testing.T) {
	out := toSchema(nil)
	require.Len(t, out, 1)
	assert.Equal(t, schema.User, out[0].Role)
	assert.Equal(t, "Hello", out[0].Content)
}

func TestFromHistory(t *testing.T) {
	out := FromHistory([]*models.Message{
		{Role: models.RoleUser, Content: "a"},
		nil,
		{Role: models.RoleAssistant, Content: "b"},
	})
	assert.Equal(t, []Message{{Role: models.RoleUser, Content: "a"}, {Role: models.RoleAssistant, Content: "b"}}, out)
}

func TestCompletionRequestDefaults(t *testing.T) {
	req := CompletionRequest{}
	assert.Equal(t, DefaultTemperature, req.temperature())
	assert.Equal(t, DefaultTopP, req.topP())

	temp := float32(0.3)
	req.Temperature = &temp
	assert.Equal(t, float32(0.3), req.temperature())
}

func newCompatServer(t *testing.T, fragments []string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)

		if stream, _ := body["stream"].(bool); !stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`,
				strings.Join(fragments, ""))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range fragments {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &bodies
}

func TestCompatProviderStream(t *testing.T) {
	srv, bodies := newCompatServer(t, []string{"Hel", "", "lo"})
	p := newCompatProvider(config.ProviderConfig{Kind: "ollama", BaseURL: srv.URL + "/v1", Model: "llama3"})

	var got []string
	err := p.Stream(context.Background(), CompletionRequest{
		Messages: []Message{{Role: models.RoleUser, Content: "hi"}},
	}, func(fragment string) error {
		got = append(got, fragment)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)

	require.Len(t, *bodies, 1)
	assert.Equal(t, "llama3", (*bodies)[0]["model"])
}

func TestCompatProviderStreamAbort(t *testing.T) {
	srv, _ := newCompatServer(t, []string{"a", "b", "c"})
	p := newCompatProvider(config.ProviderConfig{BaseURL: srv.URL + "/v1", Model: "m"})

	stop := fmt.Errorf("stop")
	calls := 0
	err := p.Stream(context.Background(), CompletionRequest{}, func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestCompatProviderGenerate(t *testing.T) {
	srv, bodies := newCompatServer(t, []string{"Short ", "title"})
	p := newCompatProvider(config.ProviderConfig{BaseURL: srv.URL + "/v1", Model: "m"})

	out, err := p.Generate(context.Background(), CompletionRequest{Model: "override"})
	require.NoError(t, err)
	assert.Equal(t, "Short title", out)
	assert.Equal(t, "override", (*bodies)[0]["model"])
}

func TestNewSet(t *testing.T) {
	set, err := NewSet(context.Background(), map[string]config.ProviderConfig{
		"local": {Kind: "ollama", BaseURL: "http://127.0.0.1:11434/v1", Model: "llama3"},
	}, nil)
	require.NoError(t, err)

	p, err := set.Get("local")
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Equal(t, "llama3", set.DefaultModel("local"))
	assert.Equal(t, []string{"local"}, set.Names())
	assert.Equal(t, []Info{{Name: "local", Kind: "ollama", DefaultModel: "llama3"}}, set.List())

	_, err = set.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewSet(context.Background(), map[string]config.ProviderConfig{"x": {Kind: "bogus"}}, nil)
	assert.Error(t, err)
}

func TestSetListIsSorted(t *testing.T) {
	set := NewStaticSet(nil)
	set.Register("zeta", "ollama", "llama3", nil)
	set.Register("alpha", "openai", "gpt-4o-mini", nil)

	assert.Equal(t, []Info{
		{Name: "alpha", Kind: "openai", DefaultModel: "gpt-4o-mini"},
		{Name: "zeta", Kind: "ollama", DefaultModel: "llama3"},
	}, set.List())
	assert.Equal(t, "gpt-4o-mini", set.DefaultModel("alpha"))
	assert.Empty(t, set.DefaultModel("missing"))
}
