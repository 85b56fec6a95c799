// Package ident centralizes identifier and secret-material generation:
// request/decision IDs for tracing and cryptographic tokens and nonces for
// the packet envelope. Identity never derives from timestamps.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	tokenBytes = 16
	nonceBytes = 24
)

// NewRequestID produces a traceable routing request ID.
func NewRequestID() string {
	return "req-" + uuid.New().String()
}

// NewDecisionID produces a decision record ID.
func NewDecisionID() string {
	return "dec-" + uuid.New().String()
}

// NewEventID produces a feedback event ID for callers that do not bring
// their own idempotency key.
func NewEventID() string {
	return "evt-" + uuid.New().String()
}

// NewSubscriberID produces a telemetry subscription ID.
func NewSubscriberID() string {
	return "sub-" + uuid.New().String()
}

// NewToken returns "<prefix>-<hex>" where hex encodes 16 bytes from the
// system CSPRNG. A draw failure fails the call; there is no weaker fallback.
func NewToken(prefix string) (string, error) {
	return NewTokenFrom(rand.Reader, prefix)
}

// NewTokenFrom is NewToken drawing from r. Tests pass a failing or fixed
// reader to exercise the error path and pin token values.
func NewTokenFrom(r io.Reader, prefix string) (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("ident: token entropy draw: %w", err)
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}

// NewNonce returns a hex nonce of 24 CSPRNG bytes for replay protection.
func NewNonce() (string, error) {
	return NewNonceFrom(rand.Reader)
}

// NewNonceFrom is NewNonce drawing from r.
func NewNonceFrom(r io.Reader) (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("ident: nonce entropy draw: %w", err)
	}
	return hex.EncodeToString(b), nil
}
