// Package keyring stores profile passwords.
// It uses the system keyring when available, falling back to
// an encrypted file in the state directory when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/vpnd/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = common.ProductName

	credentialsFile = "credentials"
	probeAccount    = "vpnd-probe"
)

// Store holds passwords keyed by profile ID. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	system bool
	file   string
	key    []byte
	local  map[string]string
	log    common.Logger
}

// Open returns a store backed by the system keyring, or by an encrypted file
// in dir when the keyring cannot be written.
func Open(dir string, log common.Logger) (*Store, error) {
	log = common.OrDiscard(log)
	err := keyring.Set(serviceName, probeAccount, "probe")
	if err == nil {
		if err := keyring.Delete(serviceName, probeAccount); err != nil {
			log.Debug("failed to remove keyring probe entry: %v", err)
		}
		log.Debug("using the system keyring")
		return &Store{system: true, log: log, local: map[string]string{}}, nil
	}
	log.Info("system keyring unavailable, using encrypted file: %v", err)
	return openFile(dir, machineSecret(), log)
}

func openFile(dir string, secret []byte, log common.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, common.WrapError(err, "failed to create credentials directory")
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	s := &Store{
		file:  filepath.Join(dir, credentialsFile),
		key:   key,
		local: map[string]string{},
		log:   common.OrDiscard(log),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// machineSecret is stable for one host and user.
func machineSecret() []byte {
	hostname, _ := os.Hostname()
	return []byte(fmt.Sprintf("%s-%s-%d", machineID(), hostname, os.Getuid()))
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "default-machine-id"
}

func deriveKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte(serviceName+"-credentials"), []byte("xchacha20poly1305 file key"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	plain, err := s.decrypt(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, &s.local); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return nil
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.local)
	if err != nil {
		return err
	}
	enc, err := s.encrypt(data)
	if err != nil {
		return err
	}
	return os.WriteFile(s.file, enc, 0600)
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plain, nil
}

// Set saves a password for a profile.
func (s *Store) Set(profileID, password string) error {
	if profileID == "" {
		return errors.New("profile ID cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}
	if s.system {
		return keyring.Set(serviceName, profileID, password)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[profileID] = password
	return s.saveLocked()
}

// Get returns the password for a profile, or ErrCredentialsNotFound.
func (s *Store) Get(profileID string) (string, error) {
	if profileID == "" {
		return "", errors.New("profile ID cannot be empty")
	}
	if s.system {
		password, err := keyring.Get(serviceName, profileID)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", common.ErrCredentialsNotFound
		}
		return password, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	password, ok := s.local[profileID]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return password, nil
}

// Delete removes the password for a profile. Missing entries are not an error.
func (s *Store) Delete(profileID string) error {
	if profileID == "" {
		return errors.New("profile ID cannot be empty")
	}
	if s.system {
		if err := keyring.Delete(serviceName, profileID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[profileID]; !ok {
		return nil
	}
	delete(s.local, profileID)
	return s.saveLocked()
}

// Exists reports whether a password is stored for a profile.
func (s *Store) Exists(profileID string) bool {
	_, err := s.Get(profileID)
	return err == nil
}

// System reports whether the system keyring is in use.
func (s *Store) System() bool {
	return s.system
}
