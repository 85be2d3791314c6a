package executor

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/actionforge/gateway/core/provider"
	"github.com/actionforge/gateway/core/types"
)

// DeadLetter is one terminally-failed execution (spec §4.3 "DLQ").
type DeadLetter struct {
	Action    types.Action
	Provider  string
	FailedAt  time.Time
	LastError string
	ErrorKind provider.ErrorKind
	Attempts  int
}

// Sink is an append-only dead-letter destination.
type Sink interface {
	Append(ctx context.Context, dl DeadLetter) error
}

// EncryptedSink wraps a Sink so DeadLetter.Action payloads are sealed
// with AES-GCM (AEAD, per-record nonce) before reaching the inner sink,
// as spec §4.3 requires when a payload encryptor is configured.
type EncryptedSink struct {
	inner Sink
	gcm   cipher.AEAD
}

// NewEncryptedSink builds an EncryptedSink from a 16/24/32-byte AES key.
func NewEncryptedSink(inner Sink, key []byte) (*EncryptedSink, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &EncryptedSink{inner: inner, gcm: gcm}, nil
}

func (s *EncryptedSink) Append(ctx context.Context, dl DeadLetter) error {
	plain, err := json.Marshal(dl.Action)
	if err != nil {
		return err
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sealed := s.gcm.Seal(nonce, nonce, plain, nil)

	encrypted := dl
	encrypted.Action = types.Action{
		ID:         dl.Action.ID,
		Namespace:  dl.Action.Namespace,
		Tenant:     dl.Action.Tenant,
		Provider:   dl.Action.Provider,
		ActionType: dl.Action.ActionType,
		Metadata:   map[string]string{"sealed_payload": base64.StdEncoding.EncodeToString(sealed)},
	}
	return s.inner.Append(ctx, encrypted)
}

// ErrNoSink names the case of dlq being enabled in configuration with no
// Sink wired. Executor.deadLetter does not return it: with a nil sink the
// dead letter is dropped.
var ErrNoSink = errors.New("executor: dlq enabled but no sink configured")
