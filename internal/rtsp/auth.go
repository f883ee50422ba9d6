// Package rtsp implements the per-connection RTSP session state machine:
// directive dispatch, SDP synthesis, and authentication, per spec.md §4.6.
package rtsp

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nota-av/fmp4stream/internal/streamerr"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// randBase62 returns a random string of n base62 characters, used for both
// session ids (16 chars, §6) and digest nonces (10 chars, §4.6).
func randBase62(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failing means the OS entropy source is gone
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}
	return string(out)
}

// BasicAuth verifies rfc2617 Basic credentials, grounded on
// original_source/.../authentication.py's BasicAuthentication.
type BasicAuth struct {
	credentials string // "user:pass", compared verbatim against the decoded Authorization value
	realm       string
}

// NewBasicAuth parses a "-b/--basic" flag value of the form "user:pass@realm".
func NewBasicAuth(settings string) (*BasicAuth, error) {
	creds, realm, ok := strings.Cut(settings, "@")
	if !ok {
		return nil, fmt.Errorf("%w: malformed basic auth settings %q", streamerr.ProtocolError, settings)
	}
	return &BasicAuth{credentials: creds, realm: realm}, nil
}

// Challenge returns the WWW-Authenticate header value for a 401 response.
func (a *BasicAuth) Challenge() string {
	return fmt.Sprintf(`Basic realm="%s"`, a.realm)
}

// verify checks an already-split Authorization header ("Basic", "<base64>").
func (a *BasicAuth) verify(fields []string) error {
	if len(fields) < 2 {
		return streamerr.AuthRejected
	}
	decoded, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil || string(decoded) != a.credentials {
		return streamerr.AuthRejected
	}
	return nil
}

// DigestAuth verifies rfc2617 Digest (MD5) credentials, grounded on
// original_source/.../authentication.py's DigestAuthentication.
type DigestAuth struct {
	realm  string
	aFirst string // md5(user:realm:pass), precomputed once
	nonce  string
}

// NewDigestAuth parses a "-d/--digest" flag value of the form
// "user:pass@realm" and mints a per-instance nonce.
func NewDigestAuth(settings string) (*DigestAuth, error) {
	creds, realm, ok := strings.Cut(settings, "@")
	if !ok {
		return nil, fmt.Errorf("%w: malformed digest auth settings %q", streamerr.ProtocolError, settings)
	}
	user, pass, ok := strings.Cut(creds, ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed digest auth credentials %q", streamerr.ProtocolError, creds)
	}
	sum := md5.Sum([]byte(user + ":" + realm + ":" + pass))
	return &DigestAuth{
		realm:  realm,
		aFirst: hex.EncodeToString(sum[:]),
		nonce:  randBase62(10),
	}, nil
}

// Challenge returns the WWW-Authenticate header value for a 401 response.
func (a *DigestAuth) Challenge() string {
	return fmt.Sprintf(`Digest realm="%s",nonce="%s"`, a.realm, a.nonce)
}

// verify checks an already-split Authorization header ("Digest", uri=...,
// nonce=..., response=...) against method (the RTSP request method the
// digest covers).
func (a *DigestAuth) verify(fields []string, method string) error {
	if len(fields) < 2 {
		return streamerr.AuthRejected
	}
	var uri, nonce, response string
	for _, f := range fields {
		if v, ok := quotedValue(f, "uri="); ok {
			uri = v
		} else if v, ok := quotedValue(f, "nonce="); ok {
			nonce = v
		} else if v, ok := quotedValue(f, "response="); ok {
			response = v
		}
	}
	if nonce != a.nonce {
		return streamerr.AuthRejected
	}
	aSecondSum := md5.Sum([]byte(method + ":" + uri))
	aSecond := hex.EncodeToString(aSecondSum[:])
	digestSum := md5.Sum([]byte(a.aFirst + ":" + nonce + ":" + aSecond))
	digest := hex.EncodeToString(digestSum[:])
	if digest != response {
		return streamerr.AuthRejected
	}
	return nil
}

// quotedValue extracts the quoted value following prefix within field, e.g.
// quotedValue(`nonce="abc"`, "nonce=") returns ("abc", true).
func quotedValue(field, prefix string) (string, bool) {
	if !strings.HasPrefix(field, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(field, prefix)
	rest = strings.Trim(rest, `",`)
	return rest, true
}

// AuthContainer holds the zero, one, or two auth schemes configured for a
// session (-b and/or -d, §6), and verifies an incoming request against
// whichever ones are active.
type AuthContainer struct {
	Basic  *BasicAuth
	Digest *DigestAuth
}

// Verify checks authHeader (the raw Authorization header value, empty if
// absent) against the configured scheme(s). It returns nil if no scheme is
// configured, streamerr.AuthRequired if credentials are missing or use an
// unconfigured scheme, or streamerr.AuthRejected if they fail verification.
func (c *AuthContainer) Verify(authHeader, method string) error {
	if c == nil || (c.Basic == nil && c.Digest == nil) {
		return nil
	}
	if authHeader != "" {
		fields := strings.Fields(authHeader)
		if len(fields) >= 1 {
			switch fields[0] {
			case "Basic":
				if c.Basic != nil {
					return c.Basic.verify(fields)
				}
			case "Digest":
				if c.Digest != nil {
					return c.Digest.verify(fields, method)
				}
			}
		}
	}
	return streamerr.AuthRequired
}

// Challenges returns one WWW-Authenticate header value per configured
// scheme, for a 401 response.
func (c *AuthContainer) Challenges() []string {
	var out []string
	if c.Basic != nil {
		out = append(out, c.Basic.Challenge())
	}
	if c.Digest != nil {
		out = append(out, c.Digest.Challenge())
	}
	return out
}
