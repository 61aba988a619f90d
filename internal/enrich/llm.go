package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/gustycube/osintd/internal/types"
)

// LLM asks a language model for a short profile of an organization or
// person. Results are always marked unverified.
type LLM struct {
	model llms.Model
	name  string
}

// NewLLM returns a provider that asks m to summarise an entity.
func NewLLM(m llms.Model, name string) *LLM { return &LLM{model: m, name: name} }

// NewOllama builds the provider against an Ollama server.
func NewOllama(host, model string) (*LLM, error) {
	if model == "" {
		return nil, errors.New("llm provider requires enrichment.llm_model")
	}
	m, err := ollama.New(ollama.WithServerURL(host), ollama.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return NewLLM(m, model), nil
}

func (l *LLM) Name() string       { return "llm" }
func (l *LLM) TTL() time.Duration { return 7 * 24 * time.Hour }
func (l *LLM) Supports(t types.EntityType) bool {
	return t == types.EntityOrganization || t == types.EntityPerson
}

const profilePrompt = `You support a threat intelligence analyst. Give a brief factual profile of the %s named %q.
Reply with JSON only, using the keys "summary" (one or two sentences), "aliases" (array of strings), "country" and "sector".
Use empty values when unsure.`

func (l *LLM) Enrich(ctx context.Context, e types.Entity) (map[string]string, error) {
	resp, err := llms.GenerateFromSinglePrompt(ctx, l.model, fmt.Sprintf(profilePrompt, e.Type, e.Value), llms.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	out := map[string]string{"verified": "false", "model": l.name}
	body := stripFence(resp)
	if !gjson.Valid(body) {
		if s := strings.TrimSpace(body); s != "" {
			out["summary"] = s
		}
		return out, nil
	}
	doc := gjson.Parse(body)
	for _, k := range []string{"summary", "country", "sector"} {
		if v := strings.TrimSpace(doc.Get(k).String()); v != "" {
			out[k] = v
		}
	}
	var aliases []string
	for _, a := range doc.Get("aliases").Array() {
		if s := strings.TrimSpace(a.String()); s != "" {
			aliases = append(aliases, s)
		}
	}
	setJoined(out, "aliases", aliases)
	return out, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
