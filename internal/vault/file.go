package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ccojocar/zxcvbn-go"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for the master key derivation.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	envelopeVersion  = "1.0.0"
	minPasswordScore = 2 // zxcvbn score 0..4
)

// ErrWrongPassword is returned when authenticated decryption fails.
var ErrWrongPassword = errors.New("vault: wrong master password or corrupted file")

// ErrWeakPassword is returned by NewFileBackend when the master password
// scores below the strength floor.
var ErrWeakPassword = errors.New("vault: master password too weak")

// envelope is the on-disk layout of the encrypted vault file. The GCM auth
// tag is stored separately from the ciphertext so tampering with either
// field fails decryption.
type envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
	AuthTag    string `json:"authTag"`
	Algorithm  string `json:"algorithm"`
	KDF        string `json:"kdf"`
	Version    string `json:"version"`
}

// FileBackend persists credentials as an AES-256-GCM encrypted JSON file.
// The key is derived from a master password with scrypt; the salt and nonce
// are regenerated on every flush.
type FileBackend struct {
	path     string
	password []byte
	autoSave bool

	mu    sync.RWMutex
	creds map[string]Credential
	order []string
	dirty bool
}

// FileOption customizes a FileBackend.
type FileOption func(*FileBackend)

// WithAutoSave controls whether mutations flush immediately. Defaults to on.
func WithAutoSave(on bool) FileOption {
	return func(b *FileBackend) { b.autoSave = on }
}

// NewFileBackend opens or creates an encrypted vault at path. A new vault
// rejects master passwords scoring below the zxcvbn floor; an existing file
// is decrypted immediately so a wrong password fails fast.
func NewFileBackend(path, masterPassword string, opts ...FileOption) (*FileBackend, error) {
	b := &FileBackend{
		path:     path,
		password: []byte(masterPassword),
		autoSave: true,
		creds:    make(map[string]Credential),
	}
	for _, opt := range opts {
		opt(b)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if score := zxcvbn.PasswordStrength(masterPassword, nil).Score; score < minPasswordScore {
			return nil, fmt.Errorf("%w (zxcvbn score %d, need >= %d)", ErrWeakPassword, score, minPasswordScore)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("vault: create dir: %w", err)
		}
		if err := b.flushLocked(); err != nil {
			return nil, err
		}
		return b, nil
	}

	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) Store(c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.creds[c.ID]; exists {
		return fmt.Errorf("vault: credential %s already exists", c.ID)
	}
	b.creds[c.ID] = c
	b.order = append(b.order, c.ID)
	b.dirty = true
	return b.maybeFlushLocked()
}

func (b *FileBackend) Update(c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.creds[c.ID]; !exists {
		return fmt.Errorf("vault: credential %s not found", c.ID)
	}
	b.creds[c.ID] = c
	b.dirty = true
	return b.maybeFlushLocked()
}

func (b *FileBackend) Delete(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.creds[id]; !exists {
		return nil
	}
	delete(b.creds, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.dirty = true
	return b.maybeFlushLocked()
}

func (b *FileBackend) Get(id string) (Credential, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.creds[id]
	return c, ok
}

func (b *FileBackend) Exists(id string) bool {
	_, ok := b.Get(id)
	return ok
}

func (b *FileBackend) List() []Credential {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Credential, 0, len(b.creds))
	for _, id := range b.order {
		if c, ok := b.creds[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (b *FileBackend) ListByType(t Type) []Credential {
	var out []Credential
	for _, c := range b.List() {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func (b *FileBackend) GetBySurface(surfaceID string) []Credential {
	var out []Credential
	for _, c := range b.List() {
		if c.SurfaceID == surfaceID {
			out = append(out, c)
		}
	}
	return out
}

func (b *FileBackend) GetActiveBySurface(surfaceID string, now time.Time) []Credential {
	var out []Credential
	for _, c := range b.GetBySurface(surfaceID) {
		if c.Active(now) {
			out = append(out, c)
		}
	}
	return out
}

// Flush writes the encrypted file regardless of the auto-save setting.
func (b *FileBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

// Reload replaces the in-memory set from disk, discarding unflushed changes.
func (b *FileBackend) Reload() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("vault: read %s: %w", b.path, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("vault: parse envelope: %w", err)
	}
	if env.Algorithm != "aes-256-gcm" || env.KDF != "scrypt" {
		return fmt.Errorf("vault: unsupported envelope (alg=%q kdf=%q)", env.Algorithm, env.KDF)
	}

	plaintext, err := decryptEnvelope(env, b.password)
	if err != nil {
		return err
	}

	var payload struct {
		Credentials []Credential `json:"credentials"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("vault: decode payload: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = make(map[string]Credential, len(payload.Credentials))
	b.order = b.order[:0]
	for _, c := range payload.Credentials {
		b.creds[c.ID] = c
		b.order = append(b.order, c.ID)
	}
	b.dirty = false
	return nil
}

// VerifyPassword checks a candidate password against the file on disk
// without touching the in-memory set.
func (b *FileBackend) VerifyPassword(candidate string) bool {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	_, err = decryptEnvelope(env, []byte(candidate))
	return err == nil
}

// ChangePassword re-encrypts the vault under a new master password. The new
// password must pass the same strength floor as vault creation.
func (b *FileBackend) ChangePassword(oldPassword, newPassword string) error {
	if !b.VerifyPassword(oldPassword) {
		return ErrWrongPassword
	}
	if score := zxcvbn.PasswordStrength(newPassword, nil).Score; score < minPasswordScore {
		return fmt.Errorf("%w (zxcvbn score %d, need >= %d)", ErrWeakPassword, score, minPasswordScore)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.password = []byte(newPassword)
	return b.flushLocked()
}

// maybeFlushLocked flushes when auto-save is enabled. Caller holds b.mu.
func (b *FileBackend) maybeFlushLocked() error {
	if !b.autoSave {
		return nil
	}
	return b.flushLocked()
}

// flushLocked encrypts and atomically replaces the vault file. Caller holds b.mu.
func (b *FileBackend) flushLocked() error {
	creds := make([]Credential, 0, len(b.creds))
	for _, id := range b.order {
		if c, ok := b.creds[id]; ok {
			creds = append(creds, c)
		}
	}
	plaintext, err := json.Marshal(struct {
		Credentials []Credential `json:"credentials"`
	}{Credentials: creds})
	if err != nil {
		return fmt.Errorf("vault: encode payload: %w", err)
	}

	env, err := encryptEnvelope(plaintext, b.password)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode envelope: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("vault: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("vault: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("vault: rename: %w", err)
	}
	b.dirty = false
	return nil
}

func encryptEnvelope(plaintext, password []byte) (envelope, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return envelope{}, fmt.Errorf("vault: salt: %w", err)
	}
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return envelope{}, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return envelope{}, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return envelope{}, fmt.Errorf("vault: gcm: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return envelope{}, fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	enc := base64.StdEncoding.EncodeToString
	return envelope{
		Ciphertext: enc(sealed[:tagStart]),
		IV:         enc(iv),
		Salt:       enc(salt),
		AuthTag:    enc(sealed[tagStart:]),
		Algorithm:  "aes-256-gcm",
		KDF:        "scrypt",
		Version:    envelopeVersion,
	}, nil
}

func decryptEnvelope(env envelope, password []byte) ([]byte, error) {
	dec := func(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
	ciphertext, err := dec(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: ciphertext: %w", err)
	}
	iv, err := dec(env.IV)
	if err != nil {
		return nil, fmt.Errorf("vault: iv: %w", err)
	}
	salt, err := dec(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("vault: salt: %w", err)
	}
	tag, err := dec(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("vault: auth tag: %w", err)
	}
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plaintext, nil
}
