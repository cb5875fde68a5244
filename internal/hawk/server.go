package hawk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/model"
)

// DefaultSkew is the maximum accepted |now - ts| for header authentication.
const DefaultSkew = 60 * time.Second

// NonceCheckFunc records a (credential id, ts, nonce) triple and fails when
// it was already seen inside the freshness window.
type NonceCheckFunc func(id string, ts int64, nonce string) error

// ServerConfig tunes a Server. The zero value is usable.
type ServerConfig struct {
	// Skew bounds |now - ts| for header auth. Zero means DefaultSkew.
	Skew time.Duration
	// Now supplies the server clock; nil means time.Now. Bewit expiration is
	// always compared against this clock, never a client-supplied time.
	Now func() time.Time
	// CheckNonce is the replay guard; nil accepts every nonce.
	CheckNonce NonceCheckFunc
}

// Server authenticates inbound requests against resolved credentials.
type Server struct {
	creds      CredentialsFunc
	skew       time.Duration
	now        func() time.Time
	checkNonce NonceCheckFunc
}

// NewServer constructs a Server with the given credential resolver.
func NewServer(creds CredentialsFunc, cfg ServerConfig) *Server {
	s := &Server{
		creds:      creds,
		skew:       cfg.Skew,
		now:        cfg.Now,
		checkNonce: cfg.CheckNonce,
	}
	if s.skew <= 0 {
		s.skew = DefaultSkew
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Authenticate validates the request's Authorization header. On success it
// returns the request artifacts (for optional payload verification) and the
// resolved credential. All failures map to errs sentinels; none are fatal.
func (s *Server) Authenticate(ctx context.Context, r *http.Request) (*Artifacts, model.Credential, error) {
	attrs, err := parseHeader(r.Header.Get("Authorization"))
	if err != nil {
		return nil, model.Credential{}, err
	}
	for _, required := range []string{"id", "ts", "nonce", "mac"} {
		if attrs[required] == "" {
			return nil, model.Credential{}, fmt.Errorf("missing attribute %q: %w", required, errs.ErrMalformed)
		}
	}
	ts, err := strconv.ParseInt(attrs["ts"], 10, 64)
	if err != nil {
		return nil, model.Credential{}, fmt.Errorf("bad ts: %w", errs.ErrMalformed)
	}
	if attrs["app"] == "" && attrs["dlg"] != "" {
		return nil, model.Credential{}, fmt.Errorf("dlg without app: %w", errs.ErrMalformed)
	}

	host, port, err := requestHostPort(r)
	if err != nil {
		return nil, model.Credential{}, err
	}
	a := &Artifacts{
		Method:   r.Method,
		Host:     host,
		Port:     port,
		Resource: r.URL.RequestURI(),
		Ts:       ts,
		Nonce:    attrs["nonce"],
		Hash:     attrs["hash"],
		Ext:      attrs["ext"],
		App:      attrs["app"],
		Dlg:      attrs["dlg"],
	}

	cred, err := s.creds(ctx, attrs["id"])
	if err != nil {
		return nil, model.Credential{}, err
	}

	want, err := CalculateMAC(cred, typeHeader, a)
	if err != nil {
		return nil, model.Credential{}, err
	}
	if !fixedTimeEqual(want, attrs["mac"]) {
		return nil, model.Credential{}, errs.ErrBadMac
	}

	// Freshness checks run after the MAC check so an attacker cannot probe
	// the clock or nonce store with unauthenticated requests.
	if d := s.now().Unix() - ts; d > int64(s.skew/time.Second) || -d > int64(s.skew/time.Second) {
		return nil, model.Credential{}, errs.ErrStaleTimestamp
	}
	if s.checkNonce != nil {
		if err := s.checkNonce(cred.ID, ts, a.Nonce); err != nil {
			return nil, model.Credential{}, fmt.Errorf("nonce replayed: %w", errs.ErrStaleTimestamp)
		}
	}
	return a, cred, nil
}

// AuthenticateBewit validates the bewit token carried in the request URL.
// The engine only accepts safe methods; policy guards (no collections, no
// extra query parameters) belong to the caller.
func (s *Server) AuthenticateBewit(ctx context.Context, r *http.Request) (*Artifacts, model.Credential, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return nil, model.Credential{}, fmt.Errorf("bewit on unsafe method %s: %w", r.Method, errs.ErrMalformed)
	}
	token := r.URL.Query().Get("bewit")
	if token == "" {
		return nil, model.Credential{}, fmt.Errorf("missing bewit: %w", errs.ErrMalformed)
	}
	id, exp, mac, ext, err := decodeBewit(token)
	if err != nil {
		return nil, model.Credential{}, err
	}

	host, port, err := requestHostPort(r)
	if err != nil {
		return nil, model.Credential{}, err
	}
	// The MAC covers the URL as minted: bewit stripped, everything else
	// byte-identical. A bewit canonicalizes as a GET whose timestamp is the
	// expiration.
	a := &Artifacts{
		Method:   http.MethodGet,
		Host:     host,
		Port:     port,
		Resource: resourceWithoutBewit(r.URL),
		Ts:       exp,
		Ext:      ext,
	}

	cred, err := s.creds(ctx, id)
	if err != nil {
		return nil, model.Credential{}, err
	}
	want, err := CalculateMAC(cred, typeBewit, a)
	if err != nil {
		return nil, model.Credential{}, err
	}
	if !fixedTimeEqual(want, mac) {
		return nil, model.Credential{}, errs.ErrBadMac
	}
	if exp < s.now().Unix() {
		return nil, model.Credential{}, errs.ErrExpired
	}
	return a, cred, nil
}

// requestHostPort derives the canonical host and port for an inbound request.
func requestHostPort(r *http.Request) (string, int, error) {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if h, p, ok := splitHostPort(host); ok {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("bad port in host %q: %w", host, errs.ErrMalformed)
		}
		return h, port, nil
	}
	if r.TLS != nil {
		return host, 443, nil
	}
	return host, 80, nil
}

// splitHostPort splits "host:port" without rejecting bare hosts.
func splitHostPort(hostport string) (host, port string, ok bool) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return hostport, "", false
	}
	// IPv6 literal without port, e.g. "[::1]".
	if strings.HasSuffix(hostport, "]") {
		return hostport, "", false
	}
	return strings.Trim(hostport[:i], "[]"), hostport[i+1:], true
}

// resourceWithoutBewit rebuilds the request target with the bewit query pair
// removed, preserving the order and encoding of every other parameter.
func resourceWithoutBewit(u *url.URL) string {
	if u.RawQuery == "" {
		return u.EscapedPath()
	}
	kept := make([]string, 0, 4)
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if strings.HasPrefix(pair, "bewit=") || pair == "bewit" {
			continue
		}
		kept = append(kept, pair)
	}
	if len(kept) == 0 {
		return u.EscapedPath()
	}
	return u.EscapedPath() + "?" + strings.Join(kept, "&")
}
