package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// ParseBoolEnv reads a boolean environment variable. It accepts
// true/1/yes/y/on and false/0/no/n/off in any case; unset or unrecognized
// values yield def.
func ParseBoolEnv(key string, def bool) bool {
	raw, ok := lookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	}
	slog.Warn("util.ParseBoolEnv: invalid boolean, using default", "key", key, "value", raw, "default", def)
	return def
}

// ParseDurationEnv reads a positive Go duration such as "45s" or "2m".
// Unset, malformed or non-positive values yield def.
func ParseDurationEnv(key string, def time.Duration) time.Duration {
	raw, ok := lookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("util.ParseDurationEnv: invalid duration, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return d
}

// lookupEnv returns the trimmed value of key; blank counts as unset.
func lookupEnv(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}
