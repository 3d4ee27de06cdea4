// Package dotenv seeds the process environment from a local .env file so the
// demo can run without exporting its configuration by hand.
package dotenv

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Load sets every KEY=VALUE pair found in path that is not already present in
// the environment. A missing file is not an error.
func Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file %q: %w", path, err)
	}

	for _, line := range strings.Split(string(raw), "\n") {
		key, val, ok := parseLine(line)
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set %s from %q: %w", key, path, err)
		}
	}
	return nil
}

// parseLine splits one dotenv line into its pair. Blank lines, comments and
// lines without a key report ok=false.
func parseLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(val)), true
}

func unquote(v string) string {
	if len(v) >= 2 {
		last := v[len(v)-1]
		if (v[0] == '"' && last == '"') || (v[0] == '\'' && last == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
