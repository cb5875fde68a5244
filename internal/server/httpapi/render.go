package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/stelehq/stele/internal/errs"
)

// contentTypeJSON is the only representation the server produces.
const contentTypeJSON = "application/json; charset=utf-8"

// errPreconditionRequired marks a mutation attempted without If-Match.
var errPreconditionRequired = errors.New("If-Match required")

// errAuthRequired marks an anonymous request to a protected resource.
var errAuthRequired = errors.New("authentication required")

// format is a negotiated response representation.
type format int

const (
	formatJSON format = iota
	formatHTML
	formatXML
	formatUnsupported
)

// negotiate picks a response format from an Accept header. Only JSON is
// produced; the other formats exist so a text/html or application/xml
// request fails with 406 instead of silently getting JSON.
func negotiate(accept string) format {
	if accept == "" {
		return formatJSON
	}
	for _, part := range strings.Split(accept, ",") {
		mediaRange := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch strings.ToLower(mediaRange) {
		case "application/json", "application/*", "*/*":
			return formatJSON
		case "text/html", "application/xhtml+xml":
			return formatHTML
		case "application/xml", "text/xml":
			return formatXML
		}
	}
	return formatUnsupported
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps service and auth errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errAuthRequired),
		errors.Is(err, errs.ErrUnknownCredential),
		errors.Is(err, errs.ErrBadMac),
		errors.Is(err, errs.ErrStaleTimestamp),
		errors.Is(err, errs.ErrExpired),
		errors.Is(err, errs.ErrMalformed):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrVersionConflict):
		return http.StatusPreconditionFailed
	case errors.Is(err, errPreconditionRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, errs.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders an error response. Internal details never reach the
// client; 401 responses carry the authentication challenge.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := http.StatusText(status)
	switch status {
	case http.StatusUnauthorized:
		// The precise failure is logged, never returned.
		w.Header().Set("WWW-Authenticate", "Hawk")
		s.log.Debug("authentication failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	case http.StatusInternalServerError:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	default:
		msg = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
