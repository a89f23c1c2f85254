// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cookie implements the symmetric sealing of values under the
// session secret: the encrypted browser state cookie, and the byte-level
// EncryptBytes/DecryptBytes primitives used for values at rest in Redis.
//
// The cookie carries the session token, CSRF value, and login flow state.
// Values are encrypted and authenticated symmetrically: AES-128-CBC with
// an HMAC-SHA256 tag over the ciphertext (encrypt-then-MAC). The 32-byte
// key is split into a signing half and an encryption half.
package cookie

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Name is the state cookie name.
const Name = "authgate"

const version = "v1"

// ErrInvalid is returned for any cookie that fails to decode, decrypt, or
// authenticate. The caller treats the session as anonymous.
var ErrInvalid = errors.New("invalid state cookie")

// State is the decrypted contents of the browser cookie. Empty fields are
// omitted from the serialization.
type State struct {
	// CSRF protects the login flow and state-changing API calls.
	CSRF string `json:"csrf,omitempty"`

	// Token is the serialized session token, if the user is logged in.
	Token string `json:"token,omitempty"`

	// GitHub is the upstream GitHub access token, kept so it can be
	// revoked at logout.
	GitHub string `json:"github,omitempty"`

	// ReturnURL is where to send the user after login completes.
	ReturnURL string `json:"return_url,omitempty"`

	// UpstreamState is the OAuth state parameter of an in-progress
	// upstream login.
	UpstreamState string `json:"state,omitempty"`

	// LoginStart is when the current login flow began, for flow timing.
	LoginStart time.Time `json:"login_start,omitzero"`
}

// Codec encrypts and decrypts state cookies.
type Codec struct {
	signKey []byte
	encKey  []byte
}

// NewCodec creates a codec from the session secret: a 32-byte key in
// URL-safe base64.
func NewCodec(secret string) (*Codec, error) {
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(secret, "="))
	if err != nil {
		return nil, fmt.Errorf("session secret is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session secret must be 32 bytes, got %d", len(key))
	}
	return &Codec{signKey: key[:16], encKey: key[16:]}, nil
}

// EncryptBytes encrypts and authenticates an arbitrary payload under the
// session secret, producing the versioned v1.<iv>.<ciphertext>.<mac> form.
// Used for the state cookie and for values at rest in Redis, so a bearer
// secret never appears in cleartext outside the process.
func (c *Codec) EncryptBytes(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := c.mac(iv, ciphertext)
	enc := base64.RawURLEncoding
	return strings.Join([]string{
		version,
		enc.EncodeToString(iv),
		enc.EncodeToString(ciphertext),
		enc.EncodeToString(mac),
	}, "."), nil
}

// DecryptBytes authenticates and decrypts a sealed value. Any failure
// returns ErrInvalid; no distinction is made between tampering and
// corruption.
func (c *Codec) DecryptBytes(value string) ([]byte, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 4 || parts[0] != version {
		return nil, ErrInvalid
	}
	enc := base64.RawURLEncoding
	iv, err := enc.DecodeString(parts[1])
	if err != nil || len(iv) != aes.BlockSize {
		return nil, ErrInvalid
	}
	ciphertext, err := enc.DecodeString(parts[2])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalid
	}
	mac, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, ErrInvalid
	}
	if subtle.ConstantTimeCompare(mac, c.mac(iv, ciphertext)) != 1 {
		return nil, ErrInvalid
	}

	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return nil, ErrInvalid
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	plaintext, ok := unpad(plaintext)
	if !ok {
		return nil, ErrInvalid
	}
	return plaintext, nil
}

// Encrypt serializes and encrypts a state value.
func (c *Codec) Encrypt(state *State) (string, error) {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to serialize state: %w", err)
	}
	return c.EncryptBytes(plaintext)
}

// Decrypt authenticates and decrypts a cookie value.
func (c *Codec) Decrypt(value string) (*State, error) {
	plaintext, err := c.DecryptBytes(value)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, ErrInvalid
	}
	return &state, nil
}

// Set writes the state cookie on a response.
func (c *Codec) Set(w http.ResponseWriter, state *State) error {
	value, err := c.Encrypt(state)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     Name,
		Value:    value,
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the state cookie on a response.
func Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Read decrypts the state cookie from a request. Returns nil without error
// if no cookie is present or it fails to decrypt.
func (c *Codec) Read(r *http.Request) *State {
	ck, err := r.Cookie(Name)
	if err != nil {
		return nil
	}
	state, err := c.Decrypt(ck.Value)
	if err != nil {
		return nil
	}
	return state
}

// NewCSRF generates a random CSRF value.
func NewCSRF() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func (c *Codec) mac(iv, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, c.signKey)
	h.Write([]byte(version))
	h.Write(iv)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// pad applies PKCS#7 padding.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// unpad strips PKCS#7 padding.
func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, false
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
