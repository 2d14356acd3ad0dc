// Package extract pulls a best-effort plain-text string out of the
// provider's crawled-document payloads. The payload shape varies across
// deliveries, so extraction is an ordered list of probes rather than a
// schema; absence is a normal outcome.
package extract

import "encoding/json"

// probe inspects a decoded JSON object and reports a match.
type probe func(obj map[string]any) (string, bool)

// Probe order mirrors the shapes observed in real deliveries; the first
// match wins.
var probes = []probe{
	textProbe,
	fieldProbe("value"),
	fieldProbe("content"),
	nestedProbe("document", "text"),
	nestedProbe("html", "text"),
	nestedProbe("result", "text"),
}

// Text extracts plain text from an arbitrary JSON payload. The second
// return reports whether any probe matched.
func Text(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", false
	}
	switch v := payload.(type) {
	case string:
		return v, true
	case map[string]any:
		for _, p := range probes {
			if text, ok := p(v); ok {
				return text, true
			}
		}
	}
	return "", false
}

// textProbe handles both {"text": "..."} and {"text": {"value": "..."}}.
func textProbe(obj map[string]any) (string, bool) {
	switch text := obj["text"].(type) {
	case string:
		return text, true
	case map[string]any:
		if value, ok := text["value"].(string); ok {
			return value, true
		}
	}
	return "", false
}

func fieldProbe(field string) probe {
	return func(obj map[string]any) (string, bool) {
		value, ok := obj[field].(string)
		return value, ok
	}
}

func nestedProbe(outer, inner string) probe {
	return func(obj map[string]any) (string, bool) {
		nested, ok := obj[outer].(map[string]any)
		if !ok {
			return "", false
		}
		value, ok := nested[inner].(string)
		return value, ok
	}
}
