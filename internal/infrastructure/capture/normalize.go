package capture

import (
	"strings"
	"time"

	"github.com/aibridge/aibridge/internal/domain/entity"
)

// NormalizeEvent maps one wire event onto the canonical shape. An envelope
// carrying a "data" object is unwrapped; a bare object becomes the data
// itself. All strings are scrubbed of control bytes.
func NormalizeEvent(raw map[string]any) entity.CaptureEvent {
	ev := entity.CaptureEvent{}

	if data, ok := raw["data"].(map[string]any); ok {
		ev.Data = data
		if ts, ok := raw["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				ev.Timestamp = t
			}
		}
		if p, ok := raw["platform"].(string); ok {
			ev.Platform = scrubText(p)
		}
		if md, ok := raw["metadata"].(map[string]any); ok {
			ScrubMap(md)
			ev.Metadata = md
		}
	} else {
		ev.Data = raw
	}
	if ev.Data != nil {
		ScrubMap(ev.Data)
	}
	return ev
}

// ScrubMap walks caller-supplied maps, stripping control bytes from every
// string and collapsing ".." segments in any field named "path".
func ScrubMap(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			val = scrubText(val)
			if k == "path" {
				val = collapseDotDot(val)
			}
			m[k] = val
		case map[string]any:
			ScrubMap(val)
		case []any:
			for i, item := range val {
				if nested, ok := item.(map[string]any); ok {
					ScrubMap(nested)
				} else if s, ok := item.(string); ok {
					val[i] = scrubText(s)
				}
			}
		}
	}
}

func scrubText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func collapseDotDot(p string) string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, part := range parts {
		if part == ".." {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, "/")
}
