package user

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/apperr"
)

type memStore struct {
	byName map[string]*User
	status map[int]Status
	seen   map[int]time.Time
}

func newMemStore() *memStore {
	return &memStore{byName: map[string]*User{}, status: map[int]Status{}, seen: map[int]time.Time{}}
}

func (m *memStore) CreateUser(_ context.Context, u *User) (*User, error) {
	if _, ok := m.byName[u.Username]; ok {
		return nil, createUserError(&pgconn.PgError{Code: uniqueViolation, Message: "duplicate key value violates unique constraint \"users_username_key\""})
	}
	u.ID = len(m.byName) + 1
	m.byName[u.Username] = u
	return u, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	u, ok := m.byName[username]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return u, nil
}

func (m *memStore) SearchUsers(context.Context, string, int) ([]User, error) { return nil, nil }

func (m *memStore) SetStatus(_ context.Context, id int, s Status, at time.Time) error {
	m.status[id] = s
	m.seen[id] = at
	return nil
}

func TestService_RegisterLoginValidate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := NewService(newMemStore(), "secret", time.Hour)

	u, err := svc.Register(ctx, &RegisterRequest{Username: "alice", Password: "password123"})
	req.NoError(err)
	req.NotEqual("password123", u.Password)

	res, err := svc.Login(ctx, &RegisterRequest{Username: "alice", Password: "password123"})
	req.NoError(err)
	req.Equal(u.ID, res.ID)

	id, name, err := svc.ValidateToken(res.AccessToken)
	req.NoError(err)
	req.Equal(u.ID, id)
	req.Equal("alice", name)
}

func TestService_LoginWrongPassword(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := NewService(newMemStore(), "secret", time.Hour)
	_, err := svc.Register(ctx, &RegisterRequest{Username: "alice", Password: "password123"})
	req.NoError(err)

	_, err = svc.Login(ctx, &RegisterRequest{Username: "alice", Password: "wrong-password"})
	req.Equal(apperr.KindUnauthorized, apperr.KindOf(err))

	_, err = svc.Login(ctx, &RegisterRequest{Username: "bob", Password: "password123"})
	req.Equal(apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(newMemStore(), "secret", time.Hour)

	_, err := svc.Register(context.Background(), &RegisterRequest{Username: "al", Password: "short"})

	require.True(t, apperr.IsValidation(err))
}

func TestService_ValidateToken_RejectsForeignSecret(t *testing.T) {
	req := require.New(t)
	issuerSvc := NewService(newMemStore(), "secret-a", time.Hour)
	otherSvc := NewService(newMemStore(), "secret-b", time.Hour)

	token, err := issuerSvc.IssueToken(1, "alice")
	req.NoError(err)

	_, _, err = otherSvc.ValidateToken(token)
	req.Error(err)
}

func TestService_ValidateToken_Expired(t *testing.T) {
	svc := NewService(newMemStore(), "secret", time.Nanosecond)
	token, err := svc.IssueToken(1, "alice")
	require.NoError(t, err)
	time.Sleep(time.Second)

	_, _, err = svc.ValidateToken(token)

	require.Error(t, err)
}

func TestService_RecordPresence(t *testing.T) {
	req := require.New(t)
	store := newMemStore()
	svc := NewService(store, "secret", time.Hour)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	req.NoError(svc.RecordOnline(context.Background(), 3, at))
	req.Equal(StatusOnline, store.status[3])

	req.NoError(svc.RecordOffline(context.Background(), 3, at.Add(time.Minute)))
	req.Equal(StatusOffline, store.status[3])
	req.Equal(at.Add(time.Minute), store.seen[3])
}
