package replication

import (
	"encoding/json"
	"time"
)

// cultureStyle is the strategy keyword a group descriptor's opaque culture
// blob must carry to select a ReplicationStrategy (spec §4.3).
type cultureStyle string

const (
	styleChatty    cultureStyle = "chatty"
	styleModerate  cultureStyle = "moderate"
	styleTaciturn  cultureStyle = "taciturn"
	defaultStyle   cultureStyle = styleModerate
)

type cultureBlob struct {
	Style string `json:"style"`
}

// parseCultureStyle extracts the strategy keyword from a group's opaque
// culture JSON blob, falling back to moderate for anything unrecognized
// or malformed so an engine never refuses to replicate over a culture
// parse error.
func parseCultureStyle(raw string) cultureStyle {
	var cb cultureBlob
	if err := json.Unmarshal([]byte(raw), &cb); err == nil {
		switch cultureStyle(cb.Style) {
		case styleChatty, styleModerate, styleTaciturn:
			return cultureStyle(cb.Style)
		}
	}
	return defaultStyle
}

// antiEntropyInterval returns the per-group sync cadence for a culture
// (spec §4.3).
func antiEntropyInterval(style cultureStyle) time.Duration {
	switch style {
	case styleChatty:
		return 60 * time.Second
	case styleTaciturn:
		return 900 * time.Second
	default:
		return 300 * time.Second
	}
}
