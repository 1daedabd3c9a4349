package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the server configuration. Every field has a hard default.
// The LAMINAR_* environment variables override all fields except
// GracefulTimeout and Logging, which have no environment variable; an
// optional YAML file named by LAMINAR_CONF_FILE overlays the environment.
type Settings struct {
	Home            string        `yaml:"home"`
	BindRPC         string        `yaml:"bind_rpc"`
	BindHTTP        string        `yaml:"bind_http"`
	ArchiveURL      string        `yaml:"archive_url"`
	Title           string        `yaml:"title"`
	KeepRundirs     int           `yaml:"keep_rundirs"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
	Logging         LoggingConfig `yaml:"logging"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
	File   string `yaml:"file"`   // empty means stderr
	Rotate bool   `yaml:"rotate"`
}

func defaultSettings() *Settings {
	return &Settings{
		Home:            "/var/lib/laminar",
		BindRPC:         "unix-abstract:laminar",
		BindHTTP:        "*:8080",
		ArchiveURL:      "/archive",
		Title:           "Laminar",
		KeepRundirs:     0,
		GracefulTimeout: 10 * time.Second,
		Logging:         LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load builds Settings from defaults, the environment, and the optional
// overlay file, in that order of precedence (file wins).
func Load() (*Settings, error) {
	s := defaultSettings()

	if v := os.Getenv("LAMINAR_HOME"); v != "" {
		s.Home = v
	}
	if v := os.Getenv("LAMINAR_BIND_RPC"); v != "" {
		s.BindRPC = v
	}
	if v := os.Getenv("LAMINAR_BIND_HTTP"); v != "" {
		s.BindHTTP = v
	}
	if v := os.Getenv("LAMINAR_ARCHIVE_URL"); v != "" {
		s.ArchiveURL = v
	}
	if v := os.Getenv("LAMINAR_TITLE"); v != "" {
		s.Title = v
	}
	if v := os.Getenv("LAMINAR_KEEP_RUNDIRS"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n >= 0 {
			s.KeepRundirs = n
		}
	}

	if path := os.Getenv("LAMINAR_CONF_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(b, s); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}
