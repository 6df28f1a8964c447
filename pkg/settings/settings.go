package settings

import (
	"os"
	"path/filepath"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type LangflowSettings struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	FlowID  string `mapstructure:"flow_id" yaml:"flow_id"`
}

type CompatSettings struct {
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	APIKey       string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model        string `mapstructure:"model" yaml:"model"`
	UseResponses bool   `mapstructure:"use_responses" yaml:"use_responses,omitempty"`
}

type OpenAISettings struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model   string `mapstructure:"model" yaml:"model"`
}

type GeminiSettings struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model  string `mapstructure:"model" yaml:"model"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format,omitempty"`
}

type Settings struct {
	Backend  string           `mapstructure:"backend" yaml:"backend"`
	Log      LogSettings      `mapstructure:"log" yaml:"log"`
	Langflow LangflowSettings `mapstructure:"langflow" yaml:"langflow"`
	Compat   CompatSettings   `mapstructure:"compat" yaml:"compat"`
	OpenAI   OpenAISettings   `mapstructure:"openai" yaml:"openai"`
	Gemini   GeminiSettings   `mapstructure:"gemini" yaml:"gemini"`
}

func Default() *Settings {
	return &Settings{
		Backend: "openai",
		Log:     LogSettings{Level: "info"},
		OpenAI:  OpenAISettings{Model: "gpt-4o-mini"},
		Gemini:  GeminiSettings{Model: "gemini-1.5-flash"},
		Compat:  CompatSettings{Model: "gpt-4o-mini"},
	}
}

// Load reads settings from an optional config file plus TURCHINA_* env
// variables. A missing config file is not an error; defaults apply.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("TURCHINA")
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("backend", d.Backend)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("openai.model", d.OpenAI.Model)
	v.SetDefault("gemini.model", d.Gemini.Model)
	v.SetDefault("compat.model", d.Compat.Model)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("turchina")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".turchina"))
		}
	}

	// a missing config file is fine, anything else is not
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "could not read config")
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal settings")
	}
	return s, nil
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// WriteDefault writes a starter config file.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "could not create config directory")
	}
	b, err := yaml.Marshal(Default())
	if err != nil {
		return errors.Wrap(err, "could not marshal default settings")
	}
	return os.WriteFile(path, b, 0644)
}
