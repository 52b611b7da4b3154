// Package signer builds CEA HMAC-SHA256 authorization headers for the
// product search gateway.
//
// The gateway recomputes the signature from the request it receives, so the
// query string passed here must be byte-identical to the one sent on the wire.
// Signatures carry a timestamp and go stale within the gateway's clock-skew
// window: sign immediately before sending, never ahead of time.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Algorithm is the only signing scheme the gateway accepts.
const Algorithm = "HmacSHA256"

// DateLayout formats the signed-date field (UTC, whole seconds).
const DateLayout = "060102T150405Z"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Signer holds the credential pair used to sign outbound requests.
type Signer struct {
	accessKey string
	secretKey string
	clock     Clock
}

// New returns a Signer. Both keys are required.
func New(accessKey, secretKey string, clock Clock) (*Signer, error) {
	if accessKey == "" {
		return nil, errors.New("access key is required")
	}
	if secretKey == "" {
		return nil, errors.New("secret key is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	return &Signer{accessKey: accessKey, secretKey: secretKey, clock: clock}, nil
}

// Authorization returns the Authorization header value for a request, stamped
// with the current time.
func (s *Signer) Authorization(method, path, query string) string {
	signedDate := FormatDate(s.clock.Now())
	signature := Sign(s.secretKey, signedDate, method, path, query)
	return Header(s.accessKey, signedDate, signature)
}

// FormatDate renders t in the gateway's signed-date format.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Message is the canonical string covered by the signature.
func Message(signedDate, method, path, query string) string {
	return signedDate + method + path + query
}

// Sign computes the hex HMAC-SHA256 of the canonical string.
func Sign(secret, signedDate, method, path, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Message(signedDate, method, path, query)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Header assembles the structured header value.
func Header(accessKey, signedDate, signature string) string {
	return fmt.Sprintf("CEA algorithm=%s, access-key=%s, signed-date=%s, signature=%s",
		Algorithm, accessKey, signedDate, signature)
}
