package hawk

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/stelehq/stele/internal/model"
)

// RequestOptions tunes an outbound signed request. Zero values are filled
// with the current time and a random nonce.
type RequestOptions struct {
	Ts          int64
	Nonce       string
	Ext         string
	App         string
	Dlg         string
	ContentType string
	Payload     []byte // nil skips payload binding; empty body binds as empty
}

// RequestHeader signs an outbound request and returns the Authorization
// header value together with the artifacts it covers. Used by tests and by
// any in-process client of another stele server.
func RequestHeader(cred model.Credential, method, rawURL string, opt RequestOptions) (string, *Artifacts, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("hawk: parse url: %w", err)
	}
	host, port, err := urlHostPort(u)
	if err != nil {
		return "", nil, err
	}

	if opt.Ts == 0 {
		opt.Ts = time.Now().Unix()
	}
	if opt.Nonce == "" {
		n, err := uuid.NewV4()
		if err != nil {
			return "", nil, fmt.Errorf("hawk: nonce: %w", err)
		}
		opt.Nonce = n.String()[:8]
	}

	a := &Artifacts{
		Method:   method,
		Host:     host,
		Port:     port,
		Resource: u.RequestURI(),
		Ts:       opt.Ts,
		Nonce:    opt.Nonce,
		Ext:      opt.Ext,
		App:      opt.App,
		Dlg:      opt.Dlg,
	}
	if opt.Payload != nil {
		h, err := CalculatePayloadHash(cred.Algorithm, opt.ContentType, opt.Payload)
		if err != nil {
			return "", nil, err
		}
		a.Hash = h
	}

	mac, err := CalculateMAC(cred, typeHeader, a)
	if err != nil {
		return "", nil, err
	}
	return formatHeader(cred.ID, a, mac), a, nil
}
