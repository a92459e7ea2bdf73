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

// Package actionctx handles the encrypted request context carried in
// x-action-context headers: secrets, invocation context and data
// context injected into managed action parameters. Decrypted values
// never reach logs or artifacts.
package actionctx

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/tombee/actiond/pkg/errors"
)

// HeaderName is the base request-context header. Large envelopes are
// chunked as x-action-context-1, x-action-context-2, ...
const HeaderName = "x-action-context"

// Environment variables configuring decryption.
const (
	DecryptInfoEnv = "ACTION_SERVER_DECRYPT_INFORMATION"
	DecryptKeysEnv = "ACTION_SERVER_DECRYPT_KEYS"
)

// Context is the decrypted request context tree.
type Context struct {
	Secrets           map[string]any `json:"secrets"`
	InvocationContext map[string]any `json:"invocation_context"`
	DataContext       map[string]any `json:"data_context"`
}

// envelope is the encrypted wire form.
type envelope struct {
	Cipher  string `json:"cipher"`
	IV      string `json:"iv"`
	AuthTag string `json:"auth-tag"`
}

// Decrypter holds the configured keys and decryptable locations.
type Decrypter struct {
	keys      [][]byte
	locations map[string]bool
}

// FromEnv builds a Decrypter from the process environment.
// DecryptKeysEnv is a JSON array of base64 keys; DecryptInfoEnv a JSON
// array of header names that may carry encrypted payloads.
func FromEnv() (*Decrypter, error) {
	d := &Decrypter{locations: map[string]bool{}}

	if raw := os.Getenv(DecryptInfoEnv); raw != "" {
		var locations []string
		if err := json.Unmarshal([]byte(raw), &locations); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", DecryptInfoEnv, err)
		}
		for _, l := range locations {
			d.locations[strings.ToLower(l)] = true
		}
	}

	if raw := os.Getenv(DecryptKeysEnv); raw != "" {
		var encoded []string
		if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", DecryptKeysEnv, err)
		}
		for i, e := range encoded {
			key, err := base64.StdEncoding.DecodeString(e)
			if err != nil {
				return nil, fmt.Errorf("invalid %s entry %d: %w", DecryptKeysEnv, i, err)
			}
			if len(key) != 32 {
				return nil, fmt.Errorf("%s entry %d: want 32-byte AES-256 key, got %d bytes", DecryptKeysEnv, i, len(key))
			}
			d.keys = append(d.keys, key)
		}
	}

	return d, nil
}

// NewDecrypter builds a Decrypter with explicit keys, for tests.
func NewDecrypter(keys [][]byte, locations []string) *Decrypter {
	d := &Decrypter{locations: map[string]bool{}}
	d.keys = keys
	for _, l := range locations {
		d.locations[strings.ToLower(l)] = true
	}
	return d
}

// FromRequest extracts and decodes the action context from request
// headers. A request without context headers yields a nil Context.
func (d *Decrypter) FromRequest(r *http.Request) (*Context, error) {
	raw := collectHeader(r.Header)
	if raw == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Header values may arrive URL-safe encoded.
		decoded, err = base64.URLEncoding.DecodeString(raw)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:  HeaderName,
				Reason: "not valid base64",
				Cause:  err,
			}
		}
	}

	plaintext := decoded
	var env envelope
	if json.Unmarshal(decoded, &env) == nil && env.Cipher != "" {
		if !d.locations[HeaderName] {
			return nil, &errors.ValidationError{
				Field:  HeaderName,
				Reason: "encrypted context received but decryption is not configured for this location",
			}
		}
		plaintext, err = d.open(&env)
		if err != nil {
			return nil, err
		}
	}

	var ctx Context
	if err := json.Unmarshal(plaintext, &ctx); err != nil {
		return nil, &errors.ValidationError{
			Field:  HeaderName,
			Reason: "context is not valid JSON",
			Cause:  err,
		}
	}
	return &ctx, nil
}

// collectHeader joins the base header with its numbered chunks in order.
func collectHeader(h http.Header) string {
	var parts []string
	if v := h.Get(HeaderName); v != "" {
		parts = append(parts, v)
	}

	type chunk struct {
		n int
		v string
	}
	var chunks []chunk
	for name, values := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, HeaderName+"-") || len(values) == 0 {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(lower[len(HeaderName)+1:], "%d", &n); err != nil {
			continue
		}
		chunks = append(chunks, chunk{n: n, v: values[0]})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].n < chunks[j].n })
	for _, c := range chunks {
		parts = append(parts, c.v)
	}
	return strings.Join(parts, "")
}

// open tries each configured key; the first one that authenticates wins.
func (d *Decrypter) open(env *envelope) ([]byte, error) {
	if len(d.keys) == 0 {
		return nil, &errors.AuthError{Reason: "encrypted context received but no decryption keys configured"}
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Cipher)
	if err != nil {
		return nil, &errors.ValidationError{Field: "cipher", Reason: "invalid base64", Cause: err}
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, &errors.ValidationError{Field: "iv", Reason: "invalid base64", Cause: err}
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return nil, &errors.ValidationError{Field: "auth-tag", Reason: "invalid base64", Cause: err}
	}

	// Go's GCM expects the tag appended to the ciphertext.
	sealed := append(append([]byte{}, ciphertext...), tag...)

	for _, key := range d.keys {
		block, err := aes.NewCipher(key)
		if err != nil {
			continue
		}
		gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
		if err != nil {
			continue
		}
		if plaintext, err := gcm.Open(nil, iv, sealed, nil); err == nil {
			return plaintext, nil
		}
	}
	return nil, &errors.AuthError{Reason: "action context did not authenticate with any configured key"}
}

// ManagedValues maps each managed parameter to its value from the
// decrypted context. Secrets and OAuth2 secrets come from the secrets
// tree, data sources from data_context, and the request handle receives
// the invocation context.
func ManagedValues(ctx *Context, managed map[string]string) map[string]any {
	if len(managed) == 0 {
		return nil
	}
	values := make(map[string]any, len(managed))
	for name, kind := range managed {
		switch kind {
		case "Secret", "OAuth2Secret":
			if ctx != nil && ctx.Secrets != nil {
				values[name] = ctx.Secrets[name]
			} else {
				values[name] = nil
			}
		case "DataSource":
			if ctx != nil && ctx.DataContext != nil {
				values[name] = ctx.DataContext[name]
			} else {
				values[name] = nil
			}
		case "Request":
			if ctx != nil {
				values[name] = ctx.InvocationContext
			} else {
				values[name] = nil
			}
		}
	}
	return values
}
