package logging

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RedactedText is the replacement text for sensitive data
const RedactedText = "[REDACTED]"

var (
	// Bearer tokens, opaque or JWT
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)

	// OAuth token parameters in URLs, form bodies and JSON
	tokenParamPattern = regexp.MustCompile(`(?i)(access_token|refresh_token|id_token|client_secret)(["']?\s*[=:]\s*["']?)[^"'&\s,}]+`)

	// Connection string credentials (user:pass@host format)
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@`)
)

// New builds the process logger. format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// SanitizeError renders err with token material and credentials removed.
// Use this before logging or persisting any error that crossed an OAuth or
// provider API boundary.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// Sanitize removes token material and credentials from s.
func Sanitize(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	s = tokenParamPattern.ReplaceAllString(s, "${1}${2}"+RedactedText)
	s = connStringPattern.ReplaceAllString(s, "://"+RedactedText+"@")
	return s
}
