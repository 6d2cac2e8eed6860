package credstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// Sealed encrypts records with an age scrypt passphrase before handing them
// to the inner store.
type Sealed struct {
	inner      Store
	passphrase string
	workFactor int
}

func NewSealed(inner Store, passphrase string, workFactor int) (*Sealed, error) {
	if inner == nil {
		return nil, errors.New("sealed: inner store is nil")
	}
	if passphrase == "" {
		return nil, errors.New("sealed: passphrase is required")
	}
	if workFactor < 0 || workFactor > 30 {
		return nil, fmt.Errorf("sealed: work factor %d out of range", workFactor)
	}
	return &Sealed{inner: inner, passphrase: passphrase, workFactor: workFactor}, nil
}

func (s *Sealed) Load(ctx context.Context, name string) ([]byte, error) {
	ct, err := s.inner.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	id, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("parsing passphrase: %w", err)
	}
	if s.workFactor > 0 {
		// Accept records sealed with a cost up to the configured one.
		id.SetMaxWorkFactor(s.workFactor)
	}
	r, err := age.Decrypt(bytes.NewReader(ct), id)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}
	pt, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted credentials: %w", err)
	}
	return pt, nil
}

func (s *Sealed) Save(ctx context.Context, name string, data []byte) error {
	rcpt, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("parsing passphrase: %w", err)
	}
	if s.workFactor > 0 {
		rcpt.SetWorkFactor(s.workFactor)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, rcpt)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}
	return s.inner.Save(ctx, name, buf.Bytes())
}

func (s *Sealed) Delete(ctx context.Context, name string) error { return s.inner.Delete(ctx, name) }

func (s *Sealed) Close() error { return s.inner.Close() }
