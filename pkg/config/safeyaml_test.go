package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RejectsOversizedFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "huge.yaml")

	huge := "workspace: " + strings.Repeat("a", int(DefaultYAMLLimits().MaxFileSize)+1)
	require.NoError(t, os.WriteFile(path, []byte(huge), 0600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "exceeds maximum")
}

func TestLoad_RejectsExcessiveNesting(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "deep.yaml")

	var b strings.Builder
	b.WriteString("workspace: ")
	for i := 0; i < DefaultYAMLLimits().MaxDepth+5; i++ {
		b.WriteString("[")
	}
	b.WriteString("1")
	for i := 0; i < DefaultYAMLLimits().MaxDepth+5; i++ {
		b.WriteString("]")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "exceeds maximum")
}

func TestLoad_WithinLimitsStillParses(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "small.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace: /tmp/ws\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ws", cfg.Workspace)
}
