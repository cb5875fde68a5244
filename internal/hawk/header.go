package hawk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stelehq/stele/internal/errs"
)

// attrRe matches one key="value" attribute. Hawk forbids double quotes and
// backslashes inside values, so no unescaping is needed.
var attrRe = regexp.MustCompile(`(\w+)="([^"\\]*)"\s*(?:,\s*|$)`)

var allowedKeys = map[string]bool{
	"id": true, "ts": true, "nonce": true, "hash": true,
	"ext": true, "mac": true, "app": true, "dlg": true,
}

// parseHeader splits a `Hawk k1="v1", k2="v2"` header into its attributes.
// Unknown or duplicate keys and trailing garbage are rejected.
func parseHeader(header string) (map[string]string, error) {
	if header == "" {
		return nil, fmt.Errorf("empty Authorization header: %w", errs.ErrMalformed)
	}
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Hawk") {
		return nil, fmt.Errorf("unsupported auth scheme: %w", errs.ErrMalformed)
	}
	rest = strings.TrimSpace(rest)

	attrs := make(map[string]string, 6)
	consumed := 0
	for _, m := range attrRe.FindAllStringSubmatchIndex(rest, -1) {
		if m[0] != consumed {
			return nil, fmt.Errorf("bad header syntax: %w", errs.ErrMalformed)
		}
		consumed = m[1]
		key := rest[m[2]:m[3]]
		val := rest[m[4]:m[5]]
		if !allowedKeys[key] {
			return nil, fmt.Errorf("unknown attribute %q: %w", key, errs.ErrMalformed)
		}
		if _, dup := attrs[key]; dup {
			return nil, fmt.Errorf("duplicate attribute %q: %w", key, errs.ErrMalformed)
		}
		attrs[key] = val
	}
	if consumed != len(rest) {
		return nil, fmt.Errorf("bad header syntax: %w", errs.ErrMalformed)
	}
	return attrs, nil
}

// formatHeader assembles the Authorization header value for a signed request.
func formatHeader(id string, a *Artifacts, mac string) string {
	var b strings.Builder
	b.WriteString(`Hawk id="` + id + `"`)
	b.WriteString(`, ts="` + fmt.Sprint(a.Ts) + `"`)
	b.WriteString(`, nonce="` + a.Nonce + `"`)
	if a.Hash != "" {
		b.WriteString(`, hash="` + a.Hash + `"`)
	}
	if a.Ext != "" {
		b.WriteString(`, ext="` + a.Ext + `"`)
	}
	b.WriteString(`, mac="` + mac + `"`)
	if a.App != "" {
		b.WriteString(`, app="` + a.App + `"`)
		if a.Dlg != "" {
			b.WriteString(`, dlg="` + a.Dlg + `"`)
		}
	}
	return b.String()
}
