// Package keystore persists the device wallet state as a single encrypted
// blob. Mutations are serialized through one exclusive lock and always
// re-read the latest persisted state before applying, so two concurrent
// updates cannot clobber each other.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/veworld-labs/wallet-engine/pkg/logger"
	"github.com/veworld-labs/wallet-engine/storage"
)

var (
	ErrLocked          = errors.New("keystore is locked")
	ErrWrongPassphrase = errors.New("wrong passphrase")
	ErrNotInitialized  = errors.New("keystore is not initialized")
)

const (
	blobKey = "keystore:state"
	saltKey = "keystore:salt"

	// scrypt parameters, interactive-login strength.
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// State is the decrypted wallet state. Callers receive copies; mutations go
// through Update.
type State struct {
	// Accounts maps account address to its encrypted private key material,
	// still wrapped by the device enclave where available.
	Accounts map[string][]byte `json:"accounts"`
	// SmartAccountDeployed records which owner addresses have completed an
	// on-chain smart account deployment.
	SmartAccountDeployed map[string]bool `json:"smart_account_deployed"`
}

func newState() *State {
	return &State{
		Accounts:             make(map[string][]byte),
		SmartAccountDeployed: make(map[string]bool),
	}
}

func (s *State) clone() *State {
	out := newState()
	for k, v := range s.Accounts {
		out.Accounts[k] = append([]byte{}, v...)
	}
	for k, v := range s.SmartAccountDeployed {
		out.SmartAccountDeployed[k] = v
	}
	return out
}

// Keystore seals wallet state with a passphrase-derived key. Unlock derives
// the key once; Get and Update require an unlocked store.
type Keystore struct {
	mu     sync.Mutex
	db     storage.Storage
	aead   cipher.AEAD
	logger logger.Logger
}

func New(db storage.Storage, l logger.Logger) *Keystore {
	return &Keystore{db: db, logger: logger.EnsureLogger(l)}
}

// Unlock derives the sealing key from the passphrase and verifies it against
// the stored blob. A fresh store is initialized with an empty state.
func (k *Keystore) Unlock(passphrase string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	salt, err := k.loadOrCreateSalt()
	if err != nil {
		return err
	}

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	k.aead = aead

	exists, err := k.db.Exist([]byte(blobKey))
	if err != nil {
		k.aead = nil
		return err
	}
	if !exists {
		if err := k.persistLocked(newState()); err != nil {
			k.aead = nil
			return err
		}
		k.logger.Info("keystore initialized")
		return nil
	}

	// decrypting the existing blob proves the passphrase
	if _, err := k.loadLocked(); err != nil {
		k.aead = nil
		return err
	}
	return nil
}

// Wipe deletes the sealed state and its salt, for wallet reset. The store
// ends locked; the next Unlock re-initializes it with a fresh salt.
func (k *Keystore) Wipe() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.db.ListKeys("keystore:*")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := k.db.Delete([]byte(key)); err != nil {
			return err
		}
	}
	k.aead = nil
	k.logger.Info("keystore wiped")
	return nil
}

// Lock forgets the sealing key. Get and Update fail until the next Unlock.
func (k *Keystore) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.aead = nil
}

// Get returns a copy of the current state.
func (k *Keystore) Get() (*State, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.aead == nil {
		return nil, ErrLocked
	}
	s, err := k.loadLocked()
	if err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// Update re-reads the latest persisted state, applies fn to it, and writes
// the result back, all under the store lock.
func (k *Keystore) Update(fn func(*State) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.aead == nil {
		return ErrLocked
	}

	s, err := k.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return k.persistLocked(s)
}

func (k *Keystore) loadOrCreateSalt() ([]byte, error) {
	salt, err := k.db.GetKey([]byte(saltKey))
	if err == nil {
		return salt, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := k.db.Set([]byte(saltKey), salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func (k *Keystore) loadLocked() (*State, error) {
	blob, err := k.db.GetKey([]byte(blobKey))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}

	nonceSize := k.aead.NonceSize()
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("keystore blob too short")
	}
	plain, err := k.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	s := newState()
	if err := json.Unmarshal(plain, s); err != nil {
		return nil, fmt.Errorf("decode keystore state: %w", err)
	}
	return s, nil
}

func (k *Keystore) persistLocked(s *State) error {
	plain, err := json.Marshal(s)
	if err != nil {
		return err
	}

	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := k.aead.Seal(nonce, nonce, plain, nil)
	return k.db.Set([]byte(blobKey), sealed)
}
