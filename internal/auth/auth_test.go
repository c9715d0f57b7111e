package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/park285/cheese-rooms/internal/domain"
)

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	tok, err := v.Sign(42, "alice", validClaims())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	id, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ID != 42 || id.Name != "alice" {
		t.Fatalf("identity = %+v", id)
	}

	other := NewJWTVerifier("different")
	if _, err := other.Verify(context.Background(), tok); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("wrong secret should be unauthorized, got %v", err)
	}
	expired, _ := v.Sign(42, "alice", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	if _, err := v.Verify(context.Background(), expired); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expired token should be unauthorized, got %v", err)
	}
	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("empty token should be unauthorized, got %v", err)
	}
	noID, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte("s3cret"))
	if _, err := v.Verify(context.Background(), noID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("token without id should be unauthorized, got %v", err)
	}
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"id":  7,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(context.Background(), tok); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("HS512 should be rejected, got %v", err)
	}
}

func TestRemoteVerifier(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":9,"username":"bob"}`))
		case "Bearer flaky":
			if n%2 == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"id":10}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	v := NewRemoteVerifier(srv.URL, WithRemoteRetry(3), WithRemoteTimeout(time.Second))
	ctx := context.Background()

	id, err := v.Verify(ctx, "good")
	if err != nil || id.ID != 9 || id.Name != "bob" {
		t.Fatalf("good = %+v %v", id, err)
	}
	if _, err := v.Verify(ctx, "bad"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("bad should be unauthorized, got %v", err)
	}

	calls.Store(0)
	id, err = v.Verify(ctx, "flaky")
	if err != nil || id.ID != 10 || id.Name != "user-10" {
		t.Fatalf("flaky should succeed after retry: %+v %v", id, err)
	}
}

func TestRemoteVerifier_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewRemoteVerifier(srv.URL, WithRemoteRetry(2))
	_, err := v.Verify(context.Background(), "any")
	if !errors.Is(err, domain.ErrTransientStore) {
		t.Fatalf("expected transient failure, got %v", err)
	}
}

func TestBearerFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	if got := BearerFrom(r); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := BearerFrom(r); got != "h" {
		t.Fatalf("header token = %q", got)
	}
}
