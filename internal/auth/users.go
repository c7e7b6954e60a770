package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"unichat/internal/logs"
	"unichat/internal/storage"
)

// ErrUserNotFound is returned for unknown user ids.
var ErrUserNotFound = errors.New("user not found")

const (
	userPrefix  = "user:"
	emailPrefix = "user-email:"
)

// UserManager keeps user records in a storage backend.
type UserManager struct {
	mu     sync.Mutex
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewUserManager returns a manager over store.
func NewUserManager(store storage.Store, logger *zap.Logger) *UserManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserManager{store: store, logger: logger.Named("users"), now: time.Now}
}

// CreateOrUpdate records a login. Existing users keep created_at and any
// name or picture the login does not supply; metadata is merged.
func (m *UserManager) CreateOrUpdate(ctx context.Context, user UserInfo) (UserInfo, error) {
	if user.UserID == "" {
		return UserInfo{}, errors.New("user id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	existing, err := m.get(ctx, user.UserID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		user.CreatedAt = now
		user.LastLogin = &now
		if err := m.put(ctx, user, ""); err != nil {
			return UserInfo{}, err
		}
		m.logger.Info("created user", zap.String("user_id", user.UserID), logs.EmailHash(user.Email))
		return user, nil
	case err != nil:
		return UserInfo{}, err
	}

	updated := existing
	if user.Name != "" {
		updated.Name = user.Name
	}
	if user.Picture != "" {
		updated.Picture = user.Picture
	}
	if user.Email != "" {
		updated.Email = user.Email
	}
	if user.Provider != "" {
		updated.Provider = user.Provider
	}
	updated.Role = user.Role
	updated.Institution = user.Institution
	updated.LastLogin = &now
	if len(user.Metadata) > 0 {
		merged := make(map[string]any, len(existing.Metadata)+len(user.Metadata))
		maps.Copy(merged, existing.Metadata)
		maps.Copy(merged, user.Metadata)
		updated.Metadata = merged
	}

	if err := m.put(ctx, updated, existing.Email); err != nil {
		return UserInfo{}, err
	}
	m.logger.Info("updated user", zap.String("user_id", updated.UserID), logs.EmailHash(updated.Email))
	return updated, nil
}

// Get returns the user with id.
func (m *UserManager) Get(ctx context.Context, id string) (UserInfo, error) {
	return m.get(ctx, id)
}

// GetByEmail finds a user by address, case-insensitively.
func (m *UserManager) GetByEmail(ctx context.Context, email string) (UserInfo, error) {
	id, found, err := m.store.Get(ctx, emailKey(email))
	if err != nil {
		return UserInfo{}, fmt.Errorf("lookup user by email: %w", err)
	}
	if !found {
		return UserInfo{}, ErrUserNotFound
	}
	return m.get(ctx, id)
}

// UpdateRole sets role and institution.
func (m *UserManager) UpdateRole(ctx context.Context, id string, role Role, institution string) (UserInfo, error) {
	if !role.Valid() {
		return UserInfo{}, fmt.Errorf("unknown role %q", role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, err := m.get(ctx, id)
	if err != nil {
		return UserInfo{}, err
	}
	now := m.now().UTC()
	user.Role = role
	user.Institution = institution
	user.LastLogin = &now
	if err := m.put(ctx, user, user.Email); err != nil {
		return UserInfo{}, err
	}
	m.logger.Info("updated user role", zap.String("user_id", id), zap.String("role", string(role)))
	return user, nil
}

// Delete removes the user. It reports whether a record existed.
func (m *UserManager) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, err := m.get(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := m.store.Delete(ctx, userPrefix+id); err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	if user.Email != "" {
		if err := m.store.Delete(ctx, emailKey(user.Email)); err != nil {
			return false, fmt.Errorf("delete user email index: %w", err)
		}
	}
	m.logger.Info("deleted user", zap.String("user_id", id))
	return true, nil
}

func (m *UserManager) get(ctx context.Context, id string) (UserInfo, error) {
	raw, found, err := m.store.Get(ctx, userPrefix+id)
	if err != nil {
		return UserInfo{}, fmt.Errorf("load user: %w", err)
	}
	if !found {
		return UserInfo{}, ErrUserNotFound
	}
	var user UserInfo
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return UserInfo{}, fmt.Errorf("decode user: %w", err)
	}
	return user, nil
}

func (m *UserManager) put(ctx context.Context, user UserInfo, previousEmail string) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := m.store.Set(ctx, userPrefix+user.UserID, string(raw), 0); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	if previousEmail != "" && !strings.EqualFold(previousEmail, user.Email) {
		if err := m.store.Delete(ctx, emailKey(previousEmail)); err != nil {
			return fmt.Errorf("delete user email index: %w", err)
		}
	}
	if user.Email != "" {
		if err := m.store.Set(ctx, emailKey(user.Email), user.UserID, 0); err != nil {
			return fmt.Errorf("index user email: %w", err)
		}
	}
	return nil
}

func emailKey(email string) string {
	return emailPrefix + strings.ToLower(strings.TrimSpace(email))
}
