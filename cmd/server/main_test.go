package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommand_MasksSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jarvis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: localhost:6379
  password: hunter2
chat:
  gemini_api_key: secret-key
`), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path})

	require.NoError(t, cmd.Execute())

	var printed map[string]map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, "localhost:6379", printed["redis"]["addr"])
	assert.Equal(t, "********", printed["redis"]["password"])
	assert.Equal(t, "********", printed["chat"]["gemini_api_key"])
	assert.NotContains(t, out.String(), "hunter2")
}

func TestConfigCommand_InvalidFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--config", filepath.Join(t.TempDir(), "missing.yaml")})

	assert.Error(t, cmd.Execute())
}
