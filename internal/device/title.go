package device

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxWireTitle is the longest title the COMMIT body can carry.
const maxWireTitle = 255

// EncodeTitle converts title to the recorder's character set (printable
// ASCII) and truncates it to limit bytes. Accents are folded by decomposing
// and dropping combining marks; anything still outside the set becomes '?'.
// Each adjustment is reported as a warning.
func EncodeTitle(title string, limit int) (string, []string) {
	if limit <= 0 || limit > maxWireTitle {
		limit = maxWireTitle
	}
	var warnings []string

	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	replaced := 0
	for _, r := range folded {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
			continue
		}
		if r == '\t' || r == '\n' || r == '\r' {
			b.WriteByte(' ')
			continue
		}
		b.WriteByte('?')
		replaced++
	}
	out := strings.TrimSpace(b.String())
	if out != title {
		if replaced > 0 {
			warnings = append(warnings, fmt.Sprintf("%d characters not representable on the recorder were replaced with '?'", replaced))
		} else if folded != title {
			warnings = append(warnings, "title re-encoded to the recorder character set")
		}
	}

	if len(out) > limit {
		out = strings.TrimSpace(out[:limit])
		warnings = append(warnings, fmt.Sprintf("title truncated to %d characters", limit))
	}
	return out, warnings
}
