package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envValue returns the trimmed value of key, or def when it is unset,
// blank or rejected by parse.
func envValue[T any](key string, def T, parse func(string) (T, bool)) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if out, ok := parse(v); ok {
		return out
	}
	return def
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	return envValue(key, def, func(v string) (string, bool) { return v, true })
}

// EnvSecret reads key, or the file named by key+"_FILE" when key is unset.
// Mounted secrets usually end with a newline; it is trimmed.
func EnvSecret(key, def string) string {
	if v := EnvString(key, ""); v != "" {
		return v
	}
	path := EnvString(key+"_FILE", "")
	if path == "" {
		return def
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return def
	}
	if v := strings.TrimSpace(string(b)); v != "" {
		return v
	}
	return def
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	return envValue(key, def, func(v string) (bool, bool) {
		b, err := strconv.ParseBool(v)
		return b, err == nil
	})
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	return envValue(key, def, func(v string) (int, bool) {
		n, err := strconv.Atoi(v)
		return n, err == nil && n > 0
	})
}

// EnvUint32 reads a positive uint32 env var with a default. Breaker
// thresholds are uint32 in gobreaker.
func EnvUint32(key string, def uint32) uint32 {
	return envValue(key, def, func(v string) (uint32, bool) {
		n, err := strconv.ParseUint(v, 10, 32)
		return uint32(n), err == nil && n > 0
	})
}

// EnvDuration reads a positive duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	return envValue(key, def, func(v string) (time.Duration, bool) {
		d, err := time.ParseDuration(v)
		return d, err == nil && d > 0
	})
}
