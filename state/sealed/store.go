// Package sealed encrypts the API key of persisted connections at rest. Run
// records pass through untouched.
package sealed

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/PipeOpsHQ/airgen-go/state"
)

const (
	prefix    = "sealed:v1:"
	saltSize  = 16
	nonceSize = 24
	keySize   = 32

	defaultWorkFactor = 1 << 15
)

var ErrWrongPassphrase = errors.New("sealed: wrong passphrase or corrupted secret")

type Store struct {
	state.Store
	passphrase []byte
	workFactor int
	random     io.Reader
}

type Option func(*Store)

// WithWorkFactor sets the scrypt N parameter. It must be a power of two.
func WithWorkFactor(n int) Option {
	return func(s *Store) {
		if n > 1 && n&(n-1) == 0 {
			s.workFactor = n
		}
	}
}

func New(inner state.Store, passphrase string, opts ...Option) (*Store, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner store is required")
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	s := &Store{
		Store:      inner,
		passphrase: []byte(passphrase),
		workFactor: defaultWorkFactor,
		random:     rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) SaveConnection(ctx context.Context, key string, conn state.ConnectionRecord) error {
	if conn.APIKey != "" && !IsSealed(conn.APIKey) {
		sealed, err := s.seal(conn.APIKey)
		if err != nil {
			return err
		}
		conn.APIKey = sealed
	}
	return s.Store.SaveConnection(ctx, key, conn)
}

// LoadConnection opens a sealed API key. Keys saved before sealing was enabled
// are returned as stored.
func (s *Store) LoadConnection(ctx context.Context, key string) (state.ConnectionRecord, error) {
	conn, err := s.Store.LoadConnection(ctx, key)
	if err != nil {
		return state.ConnectionRecord{}, err
	}
	if IsSealed(conn.APIKey) {
		plain, err := s.open(conn.APIKey)
		if err != nil {
			return state.ConnectionRecord{}, err
		}
		conn.APIKey = plain
	}
	return conn, nil
}

func IsSealed(v string) bool {
	return strings.HasPrefix(v, prefix)
}

func (s *Store) seal(plain string) (string, error) {
	buf := make([]byte, saltSize+nonceSize)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	salt := buf[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], buf[saltSize:])

	k, err := s.derive(salt)
	if err != nil {
		return "", err
	}
	out := secretbox.Seal(buf, []byte(plain), &nonce, k)
	return prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

func (s *Store) open(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil || len(raw) < saltSize+nonceSize+secretbox.Overhead {
		return "", ErrWrongPassphrase
	}
	salt := raw[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], raw[saltSize:saltSize+nonceSize])

	k, err := s.derive(salt)
	if err != nil {
		return "", err
	}
	plain, ok := secretbox.Open(nil, raw[saltSize+nonceSize:], &nonce, k)
	if !ok {
		return "", ErrWrongPassphrase
	}
	return string(plain), nil
}

func (s *Store) derive(salt []byte) (*[keySize]byte, error) {
	dk, err := scrypt.Key(s.passphrase, salt, s.workFactor, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	var k [keySize]byte
	copy(k[:], dk)
	return &k, nil
}
