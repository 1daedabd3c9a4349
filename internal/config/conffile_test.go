package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseFile(t *testing.T) {
	kv, err := ParseFile(writeConf(t, "EXECUTORS=3\n# comment\nTAGS=linux, amd64 ,\n\nBROKEN LINE\n=nokey\n"))
	require.NoError(t, err)

	assert.Equal(t, 3, kv.GetInt("EXECUTORS", 6))
	assert.Equal(t, []string{"linux", "amd64"}, kv.GetList("TAGS"))
	assert.NotContains(t, kv, "BROKEN LINE")
	assert.NotContains(t, kv, "")
}

func TestParseFileDefaults(t *testing.T) {
	kv, err := ParseFile(writeConf(t, "TIMEOUT=abc\n"))
	require.NoError(t, err)

	assert.Equal(t, 0, kv.GetInt("TIMEOUT", 0))
	assert.Equal(t, 6, kv.GetInt("EXECUTORS", 6))
	assert.Nil(t, kv.GetList("TAGS"))
	assert.Equal(t, "fallback", kv.GetString("MISSING", "fallback"))
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "nope.conf"))
	assert.Error(t, err)
}
