package textutil

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Truncate trims the value and cuts it to at most limit bytes without splitting a rune.
// Provider metadata limits are expressed in bytes or characters; bytes is the stricter bound.
func Truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if limit <= 0 {
		return ""
	}
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

// SingleLine collapses newlines and tabs into spaces.
func SingleLine(value string) string {
	replacer := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ")
	return strings.TrimSpace(replacer.Replace(value))
}

// Metadata cleans caller supplied key/value pairs for a payment provider: keys and values are
// made single-line and cut to their byte limits, and entries whose key ends up empty are dropped.
// When two keys collide after cleaning, the lexically smaller original key wins.
func Metadata(values map[string]string, keyLimit, valueLimit int) map[string]string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(values))
	for _, raw := range keys {
		key := Truncate(SingleLine(raw), keyLimit)
		if key == "" {
			continue
		}
		if _, taken := out[key]; taken {
			continue
		}
		out[key] = Truncate(SingleLine(values[raw]), valueLimit)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
