package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
	"github.com/coindeck/coindeck-api/internal/models"
)

const (
	secretPrefixLive = "pk_live_"
	secretPrefixTest = "pk_test_"

	// DisplayPrefixLen is the fixed-length, non-secret leading substring
	// persisted for indexed lookup: the 8-char environment tag plus the
	// first 5 random characters.
	DisplayPrefixLen = 13

	// minSecretRandomLen is the minimum number of random characters after
	// the environment tag for a credential to be structurally valid.
	minSecretRandomLen = 22

	secretRandomBytes = 32
)

// IssuedKey is returned exactly once at issuance; the plaintext secret is
// unrecoverable afterwards.
type IssuedKey struct {
	KeyID         string `json:"key_id"`
	Secret        string `json:"secret"`
	DisplayPrefix string `json:"display_prefix"`
}

// AuthContext is the authorization result handed to route handlers.
type AuthContext struct {
	KeyID              string
	OwnerID            string
	Tier               string
	Scopes             []string
	Environment        string
	RateLimitPerMinute int
	DailyLimit         int
}

// IssueKeyParams captures everything the issuer needs for one credential.
type IssueKeyParams struct {
	OwnerID      string
	Name         string
	Tier         string
	Environment  string
	CustomScopes []string
	Description  string
	ExpiresAt    *time.Time
}

// APIKeyService mints and verifies opaque API credentials.
type APIKeyService struct {
	keys          app_interfaces.KeyStore
	bcryptCost    int
	maxActiveKeys int
	now           func() time.Time
}

func NewAPIKeyService(keys app_interfaces.KeyStore, bcryptCost, maxActiveKeys int) *APIKeyService {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &APIKeyService{
		keys:          keys,
		bcryptCost:    bcryptCost,
		maxActiveKeys: maxActiveKeys,
		now:           time.Now,
	}
}

// IssueKey mints a new credential. Only the bcrypt hash and the display
// prefix are persisted; the secret is returned once.
func (s *APIKeyService) IssueKey(ctx context.Context, p IssueKeyParams) (*IssuedKey, error) {
	if p.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if p.Environment != models.EnvLive && p.Environment != models.EnvTest {
		return nil, fmt.Errorf("invalid environment %q", p.Environment)
	}
	if !models.IsKnownTier(p.Tier) {
		return nil, fmt.Errorf("invalid tier %q", p.Tier)
	}

	if s.maxActiveKeys > 0 {
		active, err := s.keys.CountActiveByOwner(ctx, p.OwnerID)
		if err != nil {
			return nil, err
		}
		if active >= int64(s.maxActiveKeys) {
			return nil, fmt.Errorf("maximum of %d active API keys reached", s.maxActiveKeys)
		}
	}

	raw := make([]byte, secretRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	secret := environmentTag(p.Environment) + base64.RawURLEncoding.EncodeToString(raw)
	prefix := secret[:DisplayPrefixLen]

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash API key: %w", err)
	}

	defaults := models.DefaultsForTier(p.Tier)
	scopes := defaults.Scopes
	if len(p.CustomScopes) > 0 {
		scopes = p.CustomScopes
	}

	key := models.APIKey{
		ID:                 uuid.New().String(),
		OwnerID:            p.OwnerID,
		Name:               p.Name,
		KeyPrefix:          prefix,
		KeyHash:            string(hash),
		Environment:        p.Environment,
		Tier:               p.Tier,
		RateLimitPerMinute: defaults.RateLimitPerMinute,
		DailyLimit:         defaults.DailyLimit,
		Status:             models.KeyStatusActive,
		Scopes:             scopes,
		Description:        p.Description,
		CreatedAt:          s.now().UTC(),
		ExpiresAt:          p.ExpiresAt,
	}
	if err := s.keys.Create(ctx, &key); err != nil {
		return nil, err
	}

	return &IssuedKey{KeyID: key.ID, Secret: secret, DisplayPrefix: prefix}, nil
}

// VerifyKey resolves a presented secret to an authorization context.
//
// The hash is one-way, so the presented secret cannot be looked up
// directly: every row sharing the 13-char display prefix is fetched and
// compared in turn. The prefix is short enough to keep that candidate
// set small and long enough to make collisions rare.
func (s *APIKeyService) VerifyKey(ctx context.Context, presented string) (*AuthContext, error) {
	presented = strings.TrimSpace(presented)
	if !validSecretShape(presented) {
		return nil, ErrKeyFormat
	}

	candidates, err := s.keys.FindByPrefix(ctx, presented[:DisplayPrefixLen])
	if err != nil {
		return nil, err
	}

	var match *models.APIKey
	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].KeyHash), []byte(presented)) == nil {
			match = &candidates[i]
			break
		}
	}
	if match == nil {
		return nil, ErrKeyNotFound
	}

	switch match.Status {
	case models.KeyStatusRevoked:
		return nil, ErrKeyRevoked
	case models.KeyStatusSuspended:
		return nil, ErrKeySuspended
	}
	if match.IsExpired(s.now()) {
		return nil, ErrKeyExpired
	}

	// Best effort; never blocks or fails the request being verified.
	go func(id string, t time.Time) {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.keys.TouchLastUsed(touchCtx, id, t); err != nil {
			logrus.WithError(err).WithField("key_id", id).Warn("Failed to update last_used_at")
		}
	}(match.ID, s.now().UTC())

	return &AuthContext{
		KeyID:              match.ID,
		OwnerID:            match.OwnerID,
		Tier:               match.Tier,
		Scopes:             resolveScopes(match),
		Environment:        resolveEnvironment(match),
		RateLimitPerMinute: match.RateLimitPerMinute,
		DailyLimit:         match.DailyLimit,
	}, nil
}

// ListKeys returns the owner's keys, hashes excluded.
func (s *APIKeyService) ListKeys(ctx context.Context, ownerID string) ([]models.APIKey, error) {
	keys, err := s.keys.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// RevokeKey marks the key revoked. Rows are never deleted.
func (s *APIKeyService) RevokeKey(ctx context.Context, ownerID, keyID string) error {
	return s.keys.Revoke(ctx, ownerID, keyID, s.now().UTC())
}

func environmentTag(env string) string {
	if env == models.EnvTest {
		return secretPrefixTest
	}
	return secretPrefixLive
}

// validSecretShape checks the environment-tagged format without touching
// the store.
func validSecretShape(presented string) bool {
	var rest string
	switch {
	case strings.HasPrefix(presented, secretPrefixLive):
		rest = presented[len(secretPrefixLive):]
	case strings.HasPrefix(presented, secretPrefixTest):
		rest = presented[len(secretPrefixTest):]
	default:
		return false
	}
	if len(rest) < minSecretRandomLen {
		return false
	}
	for _, c := range rest {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// resolveScopes prefers the stored scope list (with the legacy-name shim
// applied) and falls back to the tier's defaults for rows issued before
// scopes were persisted.
func resolveScopes(key *models.APIKey) []string {
	if len(key.Scopes) > 0 {
		return models.MigrateScopes(key.Scopes)
	}
	return models.DefaultsForTier(key.Tier).Scopes
}

// resolveEnvironment falls back to the prefix-derived environment for
// rows predating the environment column.
func resolveEnvironment(key *models.APIKey) string {
	if key.Environment != "" {
		return key.Environment
	}
	if strings.HasPrefix(key.KeyPrefix, secretPrefixTest) {
		return models.EnvTest
	}
	return models.EnvLive
}
