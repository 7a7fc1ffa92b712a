package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/freighter-dev/freighter/internal/common"
	"github.com/freighter-dev/freighter/pkg/config"
	"github.com/freighter-dev/freighter/pkg/types"
	"github.com/freighter-dev/freighter/pkg/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Cache is the subset of the shared cache the gate needs for API key
// lookups. *common.Cache satisfies it.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Service handles authentication operations
type Service struct {
	db     *common.Database
	cache  Cache
	config *config.AuthConfig
}

// NewService creates a new authentication service
func NewService(db *common.Database, cache Cache, config *config.AuthConfig) *Service {
	return &Service{
		db:     db,
		cache:  cache,
		config: config,
	}
}

// Authenticate reports whether the given opaque API key belongs to an
// active, unexpired key of an active user. This is the gate in front of
// every publish mutation: it answers yes or no and nothing else.
func (s *Service) Authenticate(ctx context.Context, credential string) bool {
	if credential == "" {
		return false
	}

	_, _, err := s.ValidateAPIKey(ctx, credential)
	return err == nil
}

// ValidateAPIKey validates an API key and returns the associated user
func (s *Service) ValidateAPIKey(ctx context.Context, keyValue string) (*types.User, *types.APIKey, error) {
	keyHash := utils.HashAPIKey(keyValue)

	var apiKey types.APIKey

	// API key lookups sit on the hot publish path, so cached hashes skip
	// the database entirely.
	cacheKey := fmt.Sprintf("apikey:%s", keyHash)
	if s.cache != nil {
		if err := s.cache.Get(ctx, cacheKey, &apiKey); err == nil && apiKey.IsActive {
			if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
				return nil, nil, fmt.Errorf("API key has expired")
			}
			// The cached user snapshot ages with the entry; the active
			// flag is re-checked against the database so deactivating an
			// account takes effect immediately, not after the TTL.
			var user types.User
			if err := s.db.Where("id = ? AND is_active = ?", apiKey.UserID, true).First(&user).Error; err == nil {
				user.Password = ""
				return &user, &apiKey, nil
			}
			if err := s.cache.Delete(ctx, cacheKey); err != nil {
				log.Debug().Err(err).Msg("failed to evict API key for inactive user")
			}
			return nil, nil, fmt.Errorf("user account is disabled")
		}
	}

	if err := s.db.Preload("User").Where("key_hash = ? AND is_active = ?", keyHash, true).First(&apiKey).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, fmt.Errorf("invalid API key")
		}
		return nil, nil, fmt.Errorf("failed to validate API key: %w", err)
	}

	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, nil, fmt.Errorf("API key has expired")
	}

	if !apiKey.User.IsActive {
		return nil, nil, fmt.Errorf("user account is disabled")
	}

	// Update last used timestamp
	now := time.Now()
	apiKey.LastUsedAt = &now
	s.db.Save(&apiKey)

	apiKey.User.Password = ""
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, &apiKey, 5*time.Minute); err != nil {
			log.Debug().Err(err).Msg("failed to cache API key")
		}
	}

	return &apiKey.User, &apiKey, nil
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req *types.RegisterRequest) (*types.User, error) {
	var existingUser types.User
	if err := s.db.Where("username = ? OR email = ?", req.Username, req.Email).First(&existingUser).Error; err == nil {
		return nil, fmt.Errorf("user with username or email already exists")
	}

	hashedPassword, err := utils.HashPassword(req.Password, s.config.BCryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &types.User{
		Username: req.Username,
		Email:    req.Email,
		Password: hashedPassword,
		IsActive: true,
		IsAdmin:  false,
	}

	if err := s.db.Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	user.Password = ""
	return user, nil
}

// Login authenticates a user and returns a JWT token
func (s *Service) Login(ctx context.Context, req *types.LoginRequest) (*types.AuthToken, error) {
	var user types.User
	if err := s.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("invalid credentials")
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !user.IsActive {
		return nil, fmt.Errorf("user account is disabled")
	}

	if !utils.CheckPassword(req.Password, user.Password) {
		return nil, fmt.Errorf("invalid credentials")
	}

	token, err := utils.GenerateJWT(user.ID, s.config.JWTSecret, s.config.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &types.AuthToken{
		Token:     token,
		ExpiresAt: time.Now().Add(s.config.JWTExpiration),
		UserID:    user.ID,
	}, nil
}

// ValidateToken validates a JWT token and returns the user
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*types.User, error) {
	userID, err := utils.ValidateJWT(tokenString, s.config.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	var user types.User
	if err := s.db.Where("id = ? AND is_active = ?", userID, true).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Password = ""
	return &user, nil
}

// CreateAPIKey creates a new API key for a user and returns the record
// along with the one-time plaintext key value
func (s *Service) CreateAPIKey(ctx context.Context, userID uuid.UUID, req *types.CreateAPIKeyRequest) (*types.APIKey, string, error) {
	keyValue, err := utils.GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate API key: %w", err)
	}

	apiKey := &types.APIKey{
		UserID:    userID,
		Name:      req.Name,
		KeyHash:   utils.HashAPIKey(keyValue),
		ExpiresAt: req.ExpiresAt,
		IsActive:  true,
	}

	if err := s.db.Create(apiKey).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create API key: %w", err)
	}

	return apiKey, keyValue, nil
}

// ListAPIKeys lists API keys for a user
func (s *Service) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*types.APIKey, error) {
	var apiKeys []*types.APIKey
	if err := s.db.Where("user_id = ?", userID).Find(&apiKeys).Error; err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}

	return apiKeys, nil
}

// RevokeAPIKey deactivates an API key
func (s *Service) RevokeAPIKey(ctx context.Context, keyID uuid.UUID, userID uuid.UUID) error {
	var apiKey types.APIKey
	if err := s.db.Where("id = ? AND user_id = ?", keyID, userID).First(&apiKey).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("API key not found")
		}
		return fmt.Errorf("failed to find API key: %w", err)
	}

	if err := s.db.Model(&apiKey).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}

	// Drop the cached entry so the revocation is visible immediately
	if s.cache != nil {
		if err := s.cache.Delete(ctx, fmt.Sprintf("apikey:%s", apiKey.KeyHash)); err != nil {
			log.Debug().Err(err).Msg("failed to evict revoked API key from cache")
		}
	}

	return nil
}
