// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trigger

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strings"

	"github.com/tombee/actiond/pkg/errors"
)

// signatureHeaders is the lookup order. The first present header wins;
// later headers are not consulted even if the first one fails.
var signatureHeaders = []string{
	"x-hub-signature-256",
	"x-signature-256",
	"x-webhook-signature",
	"x-signature",
}

// verifySignature checks the request signature against the shared
// secret. The signed message is the raw body, except that a body which
// parses as a JSON object is compacted first so that whitespace-only
// differences between sender and receiver do not break verification.
func verifySignature(headers map[string]string, body []byte, secret string) error {
	var sig string
	for _, name := range signatureHeaders {
		if v, ok := lookupHeader(headers, name); ok {
			sig = v
			break
		}
	}
	if sig == "" {
		return &errors.AuthError{Reason: "no signature header found"}
	}

	algo := "sha256"
	if i := strings.IndexByte(sig, '='); i >= 0 {
		algo = sig[:i]
		sig = sig[i+1:]
	}

	var newHash func() hash.Hash
	switch algo {
	case "sha256":
		newHash = sha256.New
	case "sha1":
		newHash = sha1.New
	default:
		return &errors.AuthError{Reason: fmt.Sprintf("unsupported signature algorithm %q", algo)}
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(signedBody(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return &errors.AuthError{Reason: "signature mismatch"}
	}
	return nil
}

// signedBody compacts a JSON-object body, otherwise returns it verbatim.
func signedBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return body
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return body
	}
	return buf.Bytes()
}

// lookupHeader finds a header case-insensitively.
func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) && v != "" {
			return v, true
		}
	}
	return "", false
}
