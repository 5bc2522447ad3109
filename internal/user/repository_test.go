package user

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/db"
)

func TestCreateUserError(t *testing.T) {
	req := require.New(t)

	err := createUserError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: uniqueViolation, Message: "duplicate key value"}))
	req.True(apperr.IsValidation(err))
	req.Equal("username already taken", err.Error())

	err = createUserError(&pgconn.PgError{Code: "23502", Message: "null value"})
	req.True(apperr.IsPersistence(err))

	err = createUserError(errors.New("connection refused"))
	req.True(apperr.IsPersistence(err))
}

func TestRegister_DuplicateUsernameIsBadRequest(t *testing.T) {
	req := require.New(t)
	h := NewHandler(NewService(newMemStore(), "secret", time.Hour))
	body := `{"username":"alice","password":"password123"}`

	// Given alice already registered
	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))
	req.Equal(http.StatusCreated, rec.Code)

	// When she registers again
	rec = httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))

	// Then it is a client error without driver text
	req.Equal(http.StatusBadRequest, rec.Code)
	req.Contains(rec.Body.String(), "username already taken")
	req.NotContains(rec.Body.String(), "duplicate key")
}

func TestRepository_CreateUserDuplicate(t *testing.T) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	req := require.New(t)
	ctx := context.Background()

	database, err := db.NewDatabase(ctx, dsn)
	req.NoError(err)
	t.Cleanup(func() { database.Close() })
	req.NoError(database.AutoMigrate(ctx))
	repo := NewRepository(database.Conn)

	name := "dup-" + uuid.NewString()[:8]
	_, err = repo.CreateUser(ctx, &User{Username: name, Password: "hash"})
	req.NoError(err)

	_, err = repo.CreateUser(ctx, &User{Username: name, Password: "hash"})
	req.True(apperr.IsValidation(err), "got %v", err)
}
