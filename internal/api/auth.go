package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/watchmesh/backend/internal/core"
)

// KeyRing issues and validates API keys with format: wm_<id>.<secret>.
// The id is public and used for lookup; only a bcrypt hash of the secret
// is retained. It backs both REST identity headers and the WebSocket
// handshake (it satisfies fabric.Authenticator).
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]*keyRecord
}

type keyRecord struct {
	secretHash []byte
	actorID    string
	role       core.ActorRole
	active     bool
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*keyRecord)}
}

// Issue mints a key for an actor and returns the full key exactly once;
// it cannot be recovered afterwards.
func (kr *KeyRing) Issue(actorID string, role core.ActorRole) (string, error) {
	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	kr.mu.Lock()
	kr.keys[keyID] = &keyRecord{
		secretHash: secretHash,
		actorID:    actorID,
		role:       role,
		active:     true,
	}
	kr.mu.Unlock()

	return fmt.Sprintf("wm_%s.%s", keyID, secret), nil
}

// Revoke deactivates every key belonging to an actor.
func (kr *KeyRing) Revoke(actorID string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	for _, rec := range kr.keys {
		if rec.actorID == actorID {
			rec.active = false
		}
	}
}

// Authenticate resolves a full key to its actor.
func (kr *KeyRing) Authenticate(ctx context.Context, fullKey string) (string, core.ActorRole, error) {
	if !strings.HasPrefix(fullKey, "wm_") {
		return "", "", errors.New("invalid key format")
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, "wm_"), ".", 2)
	if len(parts) != 2 {
		return "", "", errors.New("invalid key format")
	}

	kr.mu.RLock()
	rec, ok := kr.keys[parts[0]]
	kr.mu.RUnlock()
	if !ok || !rec.active {
		return "", "", errors.New("invalid api key")
	}

	if err := bcrypt.CompareHashAndPassword(rec.secretHash, []byte(parts[1])); err != nil {
		return "", "", errors.New("invalid api key secret")
	}

	return rec.actorID, rec.role, nil
}
