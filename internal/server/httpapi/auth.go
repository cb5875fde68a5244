package httpapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/hawk"
	"github.com/stelehq/stele/internal/limiter"
	"github.com/stelehq/stele/internal/model"
)

// authVia records how a request authenticated.
type authVia int

const (
	viaAnonymous authVia = iota
	viaHeader
	viaBewit
)

// principal is the authenticated identity of a request. The zero value is an
// anonymous caller.
type principal struct {
	cred      model.Credential
	artifacts *hawk.Artifacts
	via       authVia
}

// canRead reports whether the principal may read the post. Bewit holders get
// through because the MAC already bound them to exactly this URL.
func (p principal) canRead(post *model.Post) bool {
	return p.via != viaAnonymous || post.IsPublic()
}

// claimedIDRe extracts the credential id a client claims, before the header
// is verified. Used only as the rate-limiter key.
var claimedIDRe = regexp.MustCompile(`\bid="([^"\\]*)"`)

func claimedID(header string) string {
	if m := claimedIDRe.FindStringSubmatch(header); m != nil {
		return m[1]
	}
	return ""
}

// authenticate classifies the request as header-authenticated, bewit-
// authenticated or anonymous. Bewit tokens are only honored where allowBewit
// is set (single-post reads) and only when the token is the sole query
// parameter, so a capability URL cannot be stretched to a wider resource.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, allowBewit bool) (principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return s.authenticateHeader(w, r, h)
	}

	if r.URL.Query().Get("bewit") != "" {
		if !allowBewit {
			return principal{}, fmt.Errorf("bewit not accepted on this resource: %w", errs.ErrMalformed)
		}
		for key := range r.URL.Query() {
			if key != "bewit" {
				return principal{}, fmt.Errorf("bewit with extra query parameters: %w", errs.ErrMalformed)
			}
		}
		a, cred, err := s.hawk.AuthenticateBewit(r.Context(), r)
		if err != nil {
			return principal{}, err
		}
		return principal{cred: cred, artifacts: a, via: viaBewit}, nil
	}

	return principal{}, nil
}

func (s *Server) authenticateHeader(w http.ResponseWriter, r *http.Request, header string) (principal, error) {
	ctx := r.Context()
	clientID := claimedID(header)
	ipHash := limiter.HashIP(remoteIP(r))

	// The limiter fails open: a broken limiter store must not lock everyone
	// out.
	if s.limiter != nil && clientID != "" {
		ok, retry, err := s.limiter.Allow(ctx, clientID, ipHash)
		if err != nil {
			s.log.Warn("limiter allow", zap.Error(err))
		} else if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)+1))
			return principal{}, errs.ErrRateLimited
		}
	}

	a, cred, err := s.hawk.Authenticate(ctx, r)
	if err != nil {
		if s.limiter != nil && clientID != "" &&
			(errors.Is(err, errs.ErrBadMac) || errors.Is(err, errs.ErrUnknownCredential)) {
			if _, _, ferr := s.limiter.Failure(ctx, clientID, ipHash); ferr != nil {
				s.log.Warn("limiter failure", zap.Error(ferr))
			}
		}
		return principal{}, err
	}

	if s.limiter != nil && clientID != "" {
		if err := s.limiter.Success(ctx, clientID, ipHash); err != nil {
			s.log.Warn("limiter success", zap.Error(err))
		}
	}
	return principal{cred: cred, artifacts: a, via: viaHeader}, nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
