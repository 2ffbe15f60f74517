package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"dukapos/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "739154", store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, _ := store.ListUsers(context.Background())
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "739154", store)

	user, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "Wanjiku",
		Password: "pass1234",
		Role:     domain.RoleManager,
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Username != "wanjiku" || user.Role != domain.RoleManager {
		t.Fatalf("unexpected user %+v", user)
	}
	if stored := store.users["wanjiku"]; !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("expected hashed password in store, got %q", stored.Password)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "wanjiku", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login with new user failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "wanjiku" || actor.Role != domain.RoleManager {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestCreateUserRejectsAdminRoleAndDuplicates(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "739154", store)

	if _, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{Username: "boss", Password: "pass1234", Role: domain.RoleAdmin}); err == nil {
		t.Fatalf("expected admin role to be rejected")
	}
	if _, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{Username: "otieno", Password: "pass1234"}); err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if _, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{Username: "otieno", Password: "pass1234"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
}

func TestParseTokenRejectsForeignIssuer(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "739154", nil)
	other := NewAuthManager(context.Background(), "other-secret", time.Hour, "739154", nil)

	token, err := other.sign("admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}

	expired, _ := manager.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "654321", nil)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}
	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}
	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}

	unset := NewAuthManager(context.Background(), "test-secret", time.Hour, "", nil)
	if unset.ValidateManagerPIN("") || unset.ValidateManagerPIN("disabled") {
		t.Fatalf("expected validation to fail when no pin is configured")
	}
}
