package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := Default()
	assert.Equal(t, "openai", s.Backend)
	assert.NotEmpty(t, s.OpenAI.Model)
	assert.NotEmpty(t, s.Gemini.Model)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "openai", s.Backend)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
backend: langflow
langflow:
  base_url: http://localhost:7860
  api_key: sk-test
  flow_id: my-flow
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "langflow", s.Backend)
	assert.Equal(t, "http://localhost:7860", s.Langflow.BaseURL)
	assert.Equal(t, "sk-test", s.Langflow.APIKey)
	assert.Equal(t, "my-flow", s.Langflow.FlowID)
	assert.Equal(t, "debug", s.Log.Level)
	// untouched sections keep their defaults
	assert.NotEmpty(t, s.OpenAI.Model)
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, WriteDefault(path))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Backend, s.Backend)
	assert.Equal(t, Default().OpenAI.Model, s.OpenAI.Model)
}

func TestClone(t *testing.T) {
	s := Default()
	c := s.Clone()
	c.Backend = "gemini"
	c.OpenAI.Model = "other"
	assert.Equal(t, "openai", s.Backend)
	assert.NotEqual(t, s.OpenAI.Model, c.OpenAI.Model)
}
