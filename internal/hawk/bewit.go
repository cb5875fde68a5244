package hawk

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/model"
)

// bewitSep delimits the four token fields. It is not in the base64 output
// alphabet, so splitting is unambiguous.
const bewitSep = `\`

// GetBewit mints a capability token granting GET access to exactly the given
// URL until now+ttl. The caller appends it as `?bewit=<token>`; the URL must
// not already carry a bewit.
func GetBewit(cred model.Credential, rawURL string, ttl time.Duration, ext string, now func() time.Time) (string, error) {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		return "", fmt.Errorf("hawk: bewit ttl must be positive")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("hawk: parse url: %w", err)
	}
	if u.Query().Get("bewit") != "" {
		return "", fmt.Errorf("hawk: url already carries a bewit")
	}
	host, port, err := urlHostPort(u)
	if err != nil {
		return "", err
	}

	exp := now().Add(ttl).Unix()
	a := &Artifacts{
		Method:   "GET",
		Host:     host,
		Port:     port,
		Resource: u.RequestURI(),
		Ts:       exp,
		Ext:      ext,
	}
	mac, err := CalculateMAC(cred, typeBewit, a)
	if err != nil {
		return "", err
	}
	token := cred.ID + bewitSep + strconv.FormatInt(exp, 10) + bewitSep + mac + bewitSep + ext
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// decodeBewit unpacks a token into its id, expiration, mac and ext fields.
func decodeBewit(token string) (id string, exp int64, mac, ext string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return "", 0, "", "", fmt.Errorf("bewit encoding: %w", errs.ErrMalformed)
	}
	parts := strings.SplitN(string(raw), bewitSep, 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", 0, "", "", fmt.Errorf("bewit structure: %w", errs.ErrMalformed)
	}
	exp, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", "", fmt.Errorf("bewit expiration: %w", errs.ErrMalformed)
	}
	return parts[0], exp, parts[2], parts[3], nil
}

// urlHostPort derives host and port from a parsed absolute URL.
func urlHostPort(u *url.URL) (string, int, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("hawk: url %q has no host", u.String())
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("hawk: bad port %q", p)
		}
		return host, port, nil
	}
	switch u.Scheme {
	case "https":
		return host, 443, nil
	default:
		return host, 80, nil
	}
}
