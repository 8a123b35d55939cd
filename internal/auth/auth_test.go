package auth

import (
	"context"
	"testing"

	"chatcore/internal/protocol"
	"chatcore/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil)
}

func asProtoError(t *testing.T, err error) *protocol.Error {
	t.Helper()
	pe, ok := err.(*protocol.Error)
	if !ok {
		t.Fatalf("expected *protocol.Error, got %T (%v)", err, err)
	}
	return pe
}

func TestRegisterRejectsBadUsername(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)

	_, err := svc.Register(context.Background(), "ab", "password1")
	if err == nil {
		t.Fatalf("expected error for too-short username")
	}
	if pe := asProtoError(t, err); pe.Code != protocol.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %s", pe.Code)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)

	_, err := svc.Register(context.Background(), "alice", "short")
	if pe := asProtoError(t, err); pe.Code != protocol.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %s", pe.Code)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "password1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(ctx, "alice", "password2")
	if pe := asProtoError(t, err); pe.Code != protocol.CodeUserExists {
		t.Fatalf("expected USER_EXISTS, got %s", pe.Code)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob", "password1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := svc.Login(ctx, "bob", "wrongpass")
	if pe := asProtoError(t, err); pe.Code != protocol.CodeInvalidCredentials {
		t.Fatalf("expected INVALID_CREDENTIALS, got %s", pe.Code)
	}

	u, err := svc.Login(ctx, "bob", "password1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if u.Username != "bob" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestLoginBannedUser(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Register(ctx, "carol", "password1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.store.Ban(ctx, id); err != nil {
		t.Fatalf("ban: %v", err)
	}
	_, err = svc.Login(ctx, "carol", "password1")
	if pe := asProtoError(t, err); pe.Code != protocol.CodeUserBanned {
		t.Fatalf("expected USER_BANNED, got %s", pe.Code)
	}
}
