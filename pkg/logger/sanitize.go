// Package logger holds logging helpers shared by the authority's HTTP
// layer. Gateway keys and connection keys must never land in log
// output.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "***"

// Substring match against normalized field keys. "connectionkey"
// covers connection_key, connectionKey and X-Connection-Key alike.
var secretKeyMarkers = []string{
	"connectionkey",
	"gatewaykey",
	"secret",
	"password",
	"token",
	"authorization",
}

// SanitizeFields returns a copy of fields with secret-bearing values
// replaced by a placeholder. Nested objects and arrays are walked so a
// key buried inside a request body is caught too.
func SanitizeFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}

	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = sanitizeField(f)
	}
	return out
}

func sanitizeField(f zap.Field) zap.Field {
	if keyLooksSecret(f.Key) {
		return zap.String(f.Key, redacted)
	}

	// Flatten the field through a map encoder so nested values can be
	// walked regardless of the original field type.
	enc := zapcore.NewMapObjectEncoder()
	f.AddTo(enc)
	value, ok := enc.Fields[f.Key]
	if !ok {
		return f
	}
	return zap.Any(f.Key, redactValue(f.Key, value))
}

func redactValue(key string, value interface{}) interface{} {
	if keyLooksSecret(key) {
		return redacted
	}

	switch v := value.(type) {
	case map[string]interface{}:
		clean := make(map[string]interface{}, len(v))
		for childKey, childVal := range v {
			clean[childKey] = redactValue(childKey, childVal)
		}
		return clean
	case []interface{}:
		clean := make([]interface{}, len(v))
		for i, item := range v {
			clean[i] = redactValue(key, item)
		}
		return clean
	}
	return value
}

func keyLooksSecret(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	k = strings.NewReplacer("-", "", "_", "").Replace(k)

	for _, marker := range secretKeyMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
