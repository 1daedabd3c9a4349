package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// KeyValues is the parsed content of a node/job .conf or .env file.
// Files are line based KEY=VALUE; blank lines and #-comments are ignored.
// A malformed line is skipped rather than failing the whole file.
type KeyValues map[string]string

func ParseFile(path string) (KeyValues, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv := make(KeyValues)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		kv[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return kv, nil
}

func (kv KeyValues) GetString(key, def string) string {
	if v, ok := kv[key]; ok {
		return v
	}
	return def
}

func (kv KeyValues) GetInt(key string, def int) int {
	v, ok := kv[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// GetList splits a comma separated value into its non-empty elements.
func (kv KeyValues) GetList(key string) []string {
	v, ok := kv[key]
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
