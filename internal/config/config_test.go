package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"LAMINAR_HOME", "LAMINAR_BIND_RPC", "LAMINAR_BIND_HTTP",
		"LAMINAR_ARCHIVE_URL", "LAMINAR_TITLE", "LAMINAR_KEEP_RUNDIRS", "LAMINAR_CONF_FILE"} {
		t.Setenv(key, "")
	}
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/laminar", s.Home)
	assert.Equal(t, "unix-abstract:laminar", s.BindRPC)
	assert.Equal(t, "*:8080", s.BindHTTP)
	assert.Equal(t, "/archive", s.ArchiveURL)
	assert.Equal(t, "Laminar", s.Title)
	assert.Equal(t, 0, s.KeepRundirs)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LAMINAR_CONF_FILE", "")
	t.Setenv("LAMINAR_HOME", "/srv/ci")
	t.Setenv("LAMINAR_TITLE", "My CI")
	t.Setenv("LAMINAR_KEEP_RUNDIRS", "4")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/ci", s.Home)
	assert.Equal(t, "My CI", s.Title)
	assert.Equal(t, 4, s.KeepRundirs)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "laminar.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("title: Overlaid\nkeep_rundirs: 9\n"), 0o644))
	t.Setenv("LAMINAR_TITLE", "FromEnv")
	t.Setenv("LAMINAR_CONF_FILE", path)

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Overlaid", s.Title, "file overrides environment")
	assert.Equal(t, 9, s.KeepRundirs)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "laminar.yaml")
	require.NoError(t, os.WriteFile(path, []byte("title: [unclosed"), 0o644))
	t.Setenv("LAMINAR_CONF_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}
