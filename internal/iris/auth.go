// Package iris holds the request signing shared by every client of the Iris API.
package iris

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Window is the granularity of the timestamp baked into each signature.
const Window = 5 * time.Second

// Signer produces `Authorization: hmac <application>:<signature>` headers.
type Signer struct {
	Application string
	Key         []byte
	Now         func() time.Time
}

func NewSigner(application, key string) Signer {
	return Signer{Application: application, Key: []byte(key), Now: time.Now}
}

// Signature is base64url(HMAC-SHA512(key, "<window> <METHOD> <path?query> <body>")).
func (s Signer) Signature(method, path string, body []byte, at time.Time) string {
	window := at.Unix() / int64(Window/time.Second)
	mac := hmac.New(sha512.New, s.Key)
	fmt.Fprintf(mac, "%s %s %s %s", strconv.FormatInt(window, 10), strings.ToUpper(method), path, body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Sign sets the Authorization header. body must be what the request will send.
func (s Signer) Sign(req *http.Request, body []byte) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	path := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	req.Header.Set("Authorization", "hmac "+s.Application+":"+s.Signature(req.Method, path, body, now()))
}

// Verify checks a header against the current and previous window. Used by test servers.
func (s Signer) Verify(req *http.Request, body []byte) bool {
	h := req.Header.Get("Authorization")
	prefix := "hmac " + s.Application + ":"
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	got := strings.TrimPrefix(h, prefix)
	path := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now()
	for _, at := range []time.Time{t, t.Add(-Window)} {
		if hmac.Equal([]byte(got), []byte(s.Signature(req.Method, path, body, at))) {
			return true
		}
	}
	return false
}

// NewRequest builds a signed JSON request.
func (s Signer) NewRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	s.Sign(req, body)
	return req, nil
}
