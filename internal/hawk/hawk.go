// Package hawk implements the Hawk 1.1 HMAC request-authentication scheme:
// header-based authentication of arbitrary requests and bewit capability
// tokens granting time-limited GET access to a single resource.
//
// The package is a pure computation library. Credential lookup is injected
// via CredentialsFunc and is the only side effect; every other operation is
// deterministic and safe for concurrent use.
package hawk

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/model"
)

// headerVersion tags the canonical string format. Signer and verifier must
// construct byte-identical strings, so this never changes within a major
// protocol version.
const headerVersion = "1"

// Auth types select the first line of the canonical string.
const (
	typeHeader  = "header"
	typeBewit   = "bewit"
	typePayload = "payload"
)

// CredentialsFunc resolves a claimed credential id to signing material.
// Implementations return errs.ErrUnknownCredential when the id resolves to
// nothing; any other error is treated as a lookup failure.
type CredentialsFunc func(ctx context.Context, id string) (model.Credential, error)

// Artifacts is the transient canonical view of one request, assembled from
// the request line and the Authorization header (or bewit token). It exists
// only for the duration of a single authentication check.
type Artifacts struct {
	Method   string
	Host     string
	Port     int
	Resource string // path with query string
	Ts       int64
	Nonce    string
	Hash     string // payload hash claimed by the client, base64
	Ext      string
	App      string
	Dlg      string
}

func hasherFor(alg model.Algorithm) (func() hash.Hash, error) {
	switch alg {
	case model.SHA1:
		return sha1.New, nil
	case model.SHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("hawk: unsupported algorithm %q", alg)
	}
}

// normalized builds the newline-delimited canonical string for the given
// auth type. Field order is fixed by the protocol; ext has backslashes and
// newlines escaped so it cannot break the framing.
func normalized(authType string, a *Artifacts) string {
	ext := strings.ReplaceAll(a.Ext, `\`, `\\`)
	ext = strings.ReplaceAll(ext, "\n", `\n`)

	var b strings.Builder
	b.WriteString("hawk." + headerVersion + "." + authType + "\n")
	b.WriteString(strconv.FormatInt(a.Ts, 10) + "\n")
	b.WriteString(a.Nonce + "\n")
	b.WriteString(strings.ToUpper(a.Method) + "\n")
	b.WriteString(a.Resource + "\n")
	b.WriteString(strings.ToLower(a.Host) + "\n")
	b.WriteString(strconv.Itoa(a.Port) + "\n")
	b.WriteString(a.Hash + "\n")
	b.WriteString(ext + "\n")
	if a.App != "" {
		b.WriteString(a.App + "\n")
		b.WriteString(a.Dlg + "\n")
	}
	return b.String()
}

// CalculateMAC computes the base64 HMAC of the canonical string for the
// given auth type. Deterministic; no side effects.
func CalculateMAC(cred model.Credential, authType string, a *Artifacts) (string, error) {
	newHash, err := hasherFor(cred.Algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, []byte(cred.Key))
	mac.Write([]byte(normalized(authType, a)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// CalculatePayloadHash computes the base64 hash binding a request body and
// its content type into the MAC. The content type is normalized to its
// lowercase media type without parameters.
func CalculatePayloadHash(alg model.Algorithm, contentType string, payload []byte) (string, error) {
	newHash, err := hasherFor(alg)
	if err != nil {
		return "", err
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	h := newHash()
	h.Write([]byte("hawk." + headerVersion + "." + typePayload + "\n"))
	h.Write([]byte(ct + "\n"))
	h.Write(payload)
	h.Write([]byte("\n"))
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// VerifyPayloadHash checks a request body against the hash claimed in the
// artifacts. A missing claim passes: payload binding is optional in the
// protocol and the decision to require it belongs to the caller.
func VerifyPayloadHash(cred model.Credential, a *Artifacts, contentType string, payload []byte) error {
	if a.Hash == "" {
		return nil
	}
	want, err := CalculatePayloadHash(cred.Algorithm, contentType, payload)
	if err != nil {
		return err
	}
	if !fixedTimeEqual(want, a.Hash) {
		return fmt.Errorf("payload hash mismatch: %w", errs.ErrBadMac)
	}
	return nil
}

// fixedTimeEqual compares two MAC strings without leaking the position of
// the first differing byte.
func fixedTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
