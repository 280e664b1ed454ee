package roster

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"schoolpass/internal/records"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong PIN.
var ErrInvalidCredentials = errors.New("invalid email or pin")

const defaultHashCost = bcrypt.DefaultCost

// UserInput creates a staff account.
type UserInput struct {
	Email            string `json:"email"`
	Name             string `json:"name"`
	Role             string `json:"role"`
	AssignedResource string `json:"assigned_resource"`
	PIN              string `json:"pin"`
}

func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 8 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CreateUser validates and stores a new account with a hashed PIN.
func (s *Service) CreateUser(ctx context.Context, in UserInput) (records.User, error) {
	email := strings.TrimSpace(in.Email)
	assigned := strings.TrimSpace(in.AssignedResource)
	role, roleOK := records.ParseRole(in.Role)

	var verr ValidationError
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		verr.add("email", "must be a valid address")
	}
	if !roleOK {
		verr.add("role", "must be admin, supervisor or operator")
	} else if assigned != "" && !role.Can().ResourceRestricted {
		verr.add("assigned_resource", "only operators can be bound to a bus")
	}
	if !validPIN(in.PIN) {
		verr.add("pin", "must be 4 to 8 digits")
	}
	if err := verr.orNil(); err != nil {
		return records.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.PIN), s.hashCost)
	if err != nil {
		return records.User{}, err
	}
	u := records.User{
		ID:               uuid.NewString(),
		Email:            email,
		Name:             strings.TrimSpace(in.Name),
		Role:             role,
		AssignedResource: assigned,
		PINHash:          string(hash),
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return records.User{}, err
	}
	s.logger.Info("user created", zap.String("user_id", u.ID), zap.String("role", string(u.Role)))
	return u, nil
}

// Authenticate checks an email and PIN.
func (s *Service) Authenticate(ctx context.Context, email, pin string) (records.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return records.User{}, err
	}
	if u == nil {
		return records.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PINHash), []byte(pin)); err != nil {
		return records.User{}, ErrInvalidCredentials
	}
	return *u, nil
}

// GetUser returns records.ErrNotFound for unknown ids.
func (s *Service) GetUser(ctx context.Context, id string) (records.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return records.User{}, err
	}
	if u == nil {
		return records.User{}, records.ErrNotFound
	}
	return *u, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]records.User, error) {
	return s.store.ListUsers(ctx)
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	return s.store.DeleteUser(ctx, id)
}

// EnsureBootstrapAdmin creates the first admin account when none exists.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, email, pin string) (bool, error) {
	if strings.TrimSpace(email) == "" {
		return false, nil
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.Role == records.RoleAdmin {
			return false, nil
		}
	}
	if _, err := s.CreateUser(ctx, UserInput{Email: email, Name: "Administrator", Role: string(records.RoleAdmin), PIN: pin}); err != nil {
		return false, err
	}
	return true, nil
}
