package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"metaflow/internal/domain"
	"metaflow/internal/repo"
)

// ForbiddenError means the caller is authenticated for another tenant.
type ForbiddenError struct {
	TenantID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("access to tenant %s denied", e.TenantID)
}

// ErrUnknownKey is returned for API keys that match no stored hash.
var ErrUnknownKey = errors.New("unknown api key")

// Principal is an authenticated caller bound to one tenant.
type Principal struct {
	TenantID string
	ActorID  string
}

// Authorize fails unless the principal belongs to tenantID.
func (p Principal) Authorize(tenantID string) error {
	if p.TenantID == "" || p.TenantID != tenantID {
		return ForbiddenError{TenantID: tenantID}
	}
	return nil
}

// Service issues and resolves API keys. Only the hash of a key is stored.
type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

// CreateAPIKey returns the plaintext key once, together with its stored record.
func (s Service) CreateAPIKey(ctx context.Context, tenantID, actorID, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", domain.APIKey{}, domain.Invalid("tenantId", "required")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, domain.Invalid("actorId", "required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	raw := "mf_" + hex.EncodeToString(buf)
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: domain.FormatTime(now()),
	}
	if err := s.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

// Authenticate resolves a plaintext key to its principal.
func (s Service) Authenticate(ctx context.Context, raw string) (Principal, error) {
	if strings.TrimSpace(raw) == "" {
		return Principal{}, ErrUnknownKey
	}
	key, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if errors.Is(err, repo.ErrNotFound) {
		return Principal{}, ErrUnknownKey
	}
	if err != nil {
		return Principal{}, err
	}
	return Principal{TenantID: key.TenantID, ActorID: key.ActorID}, nil
}

func (s Service) ListAPIKeys(ctx context.Context, tenantID, actorID string) ([]domain.APIKey, error) {
	return s.Repo.ListAPIKeys(ctx, tenantID, actorID)
}

func (s Service) RevokeAPIKey(ctx context.Context, tenantID, id string) error {
	return repo.AsNotFound(s.Repo.DeleteAPIKey(ctx, tenantID, id), "api key", id)
}
