/*
Copyright 2024 WorldPosta, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
)

// emptyBody is signed in place of the payload for requests without a body.
const emptyBody = "{}"

// nonceSize is the number of random bytes drawn per request. 16 bytes
// (128 bits) guarantee nonce uniqueness for the signature's single-use
// requirement.
const nonceSize = 16

// Signer produces the authentication headers for WorldPosta cloud API
// calls. The signature covers timestamp, nonce and the exact request body,
// in that order; headers themselves never enter the MAC.
type Signer struct {
	integrationKey string
	secretKey      string
}

// NewSigner returns a Signer for the given integration credentials.
func NewSigner(integrationKey, secretKey string) (*Signer, error) {
	if integrationKey == "" {
		return nil, trace.BadParameter("missing integration key")
	}
	if secretKey == "" {
		return nil, trace.BadParameter("missing secret key")
	}
	return &Signer{integrationKey: integrationKey, secretKey: secretKey}, nil
}

// Sign computes the lowercase-hex HMAC-SHA256 signature over
// timestamp || nonce || body, keyed by the integration secret.
func (s *Signer) Sign(timestamp int64, nonce, body string) string {
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(nonce))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the given timestamp, nonce and
// body. Comparison is constant-time.
func (s *Signer) Verify(timestamp int64, nonce, body, signature string) bool {
	return hmac.Equal([]byte(s.Sign(timestamp, nonce, body)), []byte(signature))
}

// Headers returns the four authentication headers for a request carrying
// body, signed at the given timestamp with a fresh nonce. Pass an empty
// body for requests without a payload.
func (s *Signer) Headers(timestamp int64, body string) (http.Header, error) {
	if body == "" {
		body = emptyBody
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	headers := make(http.Header)
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Integration-Key", s.integrationKey)
	headers.Set("X-Signature", s.Sign(timestamp, nonce, body))
	headers.Set("X-Timestamp", strconv.FormatInt(timestamp, 10))
	headers.Set("X-Nonce", nonce)
	return headers, nil
}

func newNonce() (string, error) {
	buf := make([]byte, nonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err, "reading entropy for nonce")
	}
	return hex.EncodeToString(buf), nil
}
