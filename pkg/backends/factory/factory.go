package factory

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/backends/compat"
	"github.com/go-go-golems/turchina/pkg/backends/gemini"
	"github.com/go-go-golems/turchina/pkg/backends/langflow"
	"github.com/go-go-golems/turchina/pkg/backends/openai"
	"github.com/go-go-golems/turchina/pkg/settings"
)

// NewBackend builds the backend selected by the settings.
func NewBackend(s *settings.Settings) (backends.Backend, error) {
	switch s.Backend {
	case "langflow":
		if s.Langflow.BaseURL == "" || s.Langflow.FlowID == "" {
			return nil, errors.New("langflow backend requires base_url and flow_id")
		}
		return langflow.NewClient(s.Langflow.BaseURL, s.Langflow.APIKey, s.Langflow.FlowID), nil

	case "compat":
		if s.Compat.BaseURL == "" {
			return nil, errors.New("compat backend requires base_url")
		}
		return compat.NewClient(
			s.Compat.BaseURL, s.Compat.APIKey, s.Compat.Model,
			compat.WithResponsesAPI(s.Compat.UseResponses),
		), nil

	case "openai":
		if s.OpenAI.APIKey == "" {
			return nil, errors.New("openai backend requires api_key")
		}
		return openai.NewEngine(s.OpenAI.APIKey, s.OpenAI.BaseURL, s.OpenAI.Model), nil

	case "gemini":
		if s.Gemini.APIKey == "" {
			return nil, errors.New("gemini backend requires api_key")
		}
		return gemini.NewEngine(s.Gemini.APIKey, s.Gemini.Model), nil

	default:
		return nil, errors.Errorf("unknown backend %q", s.Backend)
	}
}
