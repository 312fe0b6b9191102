package reconcile

import (
	"github.com/cyruslayo/buildr/internal/models"
	"golang.org/x/text/unicode/norm"
)

// sanitizeFields keeps only allowed field names and normalizes every
// string to NFC so visually identical input compares equal. A nil
// allowed set keeps every field.
func sanitizeFields(in models.Fields, allowed map[string]bool) (out models.Fields, dropped []string) {
	out = make(models.Fields, len(in))

	for k, v := range in {
		if allowed != nil && !allowed[k] {
			dropped = append(dropped, k)
			continue
		}

		out[k] = normalizeValue(v)
	}

	return out, dropped
}

func normalizeValue(v any) any {
	switch vv := v.(type) {
	case string:
		return norm.NFC.String(vv)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = normalizeValue(item)
		}

		return out
	case []string:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = norm.NFC.String(item)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, item := range vv {
			out[k] = normalizeValue(item)
		}

		return out
	default:
		return v
	}
}
