// Copyright (c) 2026 The gsdinvoice Authors
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

// Package vault encrypts OAuth credentials at rest and keeps access tokens
// fresh. Tokens are sealed with AES-256-GCM under a single process-level
// key; the random nonce is prepended to each ciphertext. An expired access
// token is exchanged via the refresh grant and the re-encrypted result is
// written back to the connection row. A refresh rejected by the
// authorization server is terminal: the connection is marked revoked and
// the caller gets ErrReauthorizationRequired.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
)

// expiryBuffer is how close to expiry a token may get before it is
// refreshed proactively.
const expiryBuffer = 5 * time.Minute

// ErrReauthorizationRequired means the refresh token was rejected by the
// authorization server. The user must re-connect the mailbox; retrying
// cannot help.
var ErrReauthorizationRequired = errors.New("mailbox reauthorization required")

// TokenStore is the subset of the connection store the vault mutates.
type TokenStore interface {
	UpdateTokens(ctx context.Context, id int64, accessEnc []byte, expiresAt time.Time, refreshEnc []byte) error
	MarkStatus(ctx context.Context, id int64, status connection.Status) error
}

// Vault encrypts tokens and refreshes them before expiry.
type Vault struct {
	aead  cipher.AEAD
	store TokenStore
	oauth *oauth2.Config

	// now is swappable for tests.
	now func() time.Time
}

// New creates a vault from a 32-byte key and the Google OAuth app
// credentials used for refresh-token exchanges.
func New(key []byte, store TokenStore, clientID, clientSecret string) (*Vault, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init token cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init token AEAD: %w", err)
	}
	return &Vault{
		aead:  aead,
		store: store,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
		},
		now: time.Now,
	}, nil
}

// Encrypt seals a token. The nonce is prepended to the ciphertext.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (v *Vault) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) < v.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plain), nil
}

// AccessToken returns a valid plaintext access token for the connection,
// refreshing it first when it is within the expiry buffer. The refreshed
// credentials are re-encrypted and persisted before returning.
func (v *Vault) AccessToken(ctx context.Context, conn *connection.Connection) (string, error) {
	if v.now().Add(expiryBuffer).Before(conn.AccessExpiresAt) {
		return v.Decrypt(conn.AccessTokenEnc)
	}
	return v.refresh(ctx, conn)
}

func (v *Vault) refresh(ctx context.Context, conn *connection.Connection) (string, error) {
	refreshToken, err := v.Decrypt(conn.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	src := v.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if isAuthorizationError(err) {
			slog.Warn("refresh token rejected, marking connection revoked",
				"connection_id", conn.ID,
				"address", conn.Address,
				"error", err,
			)
			if markErr := v.store.MarkStatus(ctx, conn.ID, connection.StatusRevoked); markErr != nil {
				slog.Error("failed to mark connection revoked", "connection_id", conn.ID, "error", markErr)
			}
			conn.Status = connection.StatusRevoked
			return "", fmt.Errorf("%w: %s", ErrReauthorizationRequired, conn.Address)
		}
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	accessEnc, err := v.Encrypt(tok.AccessToken)
	if err != nil {
		return "", err
	}

	// Google only returns a new refresh token when the grant rotates.
	var refreshEnc []byte
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if refreshEnc, err = v.Encrypt(tok.RefreshToken); err != nil {
			return "", err
		}
	}

	if err := v.store.UpdateTokens(ctx, conn.ID, accessEnc, tok.Expiry, refreshEnc); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	conn.AccessTokenEnc = accessEnc
	conn.AccessExpiresAt = tok.Expiry
	if refreshEnc != nil {
		conn.RefreshTokenEnc = refreshEnc
	}

	slog.Debug("access token refreshed",
		"connection_id", conn.ID,
		"expires_at", tok.Expiry,
	)

	return tok.AccessToken, nil
}

// isAuthorizationError distinguishes a permanently revoked grant from a
// transient exchange failure.
func isAuthorizationError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
		// Older token endpoints omit the structured error code.
		body := string(retrieveErr.Body)
		return strings.Contains(body, "invalid_grant") ||
			strings.Contains(body, "Token has been expired or revoked")
	}
	return false
}
