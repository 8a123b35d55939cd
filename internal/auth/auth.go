// Package auth implements registration and login against the persistent
// store, translating store-level errors into wire-facing protocol errors.
package auth

import (
	"context"
	"regexp"

	"github.com/sirupsen/logrus"

	"chatcore/internal/protocol"
	"chatcore/internal/store"
)

// usernamePattern enforces the username domain: 3-20 characters, letters,
// digits, underscore, hyphen.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,20}$`)

// MinPasswordLen is the minimum accepted password length.
const MinPasswordLen = 6

// Service wraps a Store with the validation and error-translation rules
// of the registration/login flow.
type Service struct {
	store *store.Store
	log   *logrus.Entry
}

// New builds an auth Service over st.
func New(st *store.Store, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{store: st, log: log.WithField("component", "auth")}
}

// Register validates and creates a new account.
func (s *Service) Register(ctx context.Context, username, password string) (int64, error) {
	if !usernamePattern.MatchString(username) {
		return 0, protocol.NewError(protocol.CodeInvalidInput, "username must be 3-20 characters: letters, digits, underscore, hyphen")
	}
	if len(password) < MinPasswordLen {
		return 0, protocol.NewError(protocol.CodeInvalidInput, "password must be at least 6 characters")
	}

	id, err := s.store.CreateUser(ctx, username, password)
	if err != nil {
		if err == store.ErrUserExists {
			return 0, protocol.NewError(protocol.CodeUserExists, "username already taken")
		}
		s.log.WithError(err).Error("create user failed")
		return 0, protocol.NewError(protocol.CodeInternal, "registration failed")
	}
	s.log.WithFields(logrus.Fields{"user_id": id, "username": username}).Info("user registered")
	return id, nil
}

// Login validates credentials and returns the authenticated user.
func (s *Service) Login(ctx context.Context, username, password string) (*store.User, error) {
	u, err := s.store.Authenticate(ctx, username, password)
	if err != nil {
		switch err {
		case store.ErrUserNotFound:
			return nil, protocol.NewError(protocol.CodeInvalidCredentials, "invalid username or password")
		case store.ErrUserBanned:
			return nil, protocol.NewError(protocol.CodeUserBanned, "account is banned")
		default:
			s.log.WithError(err).Error("authenticate failed")
			return nil, protocol.NewError(protocol.CodeInternal, "login failed")
		}
	}
	return u, nil
}
