package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func loginServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			http.Error(w, "bad content type "+ct, http.StatusBadRequest)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.PostForm.Get("email") == "":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":[{"loc":["body","email"],"msg":"field required"}]}`))
		case r.PostForm.Get("password") != "secret":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Invalid email or password"}`))
		default:
			_, _ = w.Write([]byte(`{"access_token":"tok-123","user_name":"Ada","token_type":"bearer"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLogin_Success(t *testing.T) {
	srv := loginServer(t)
	res, err := New(srv.URL+"/", nil).Login(context.Background(), "ada@example.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.AccessToken != "tok-123" || res.UserName != "Ada" || res.TokenType != "bearer" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLogin_DetailSurfaced(t *testing.T) {
	srv := loginServer(t)
	_, err := New(srv.URL, nil).Login(context.Background(), "ada@example.com", "wrong")
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
	var le *Error
	if !errors.As(err, &le) || le.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected *Error with 401, got %#v", err)
	}
	if err.Error() != "Invalid email or password" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestLogin_ValidationDetail(t *testing.T) {
	srv := loginServer(t)
	_, err := New(srv.URL, nil).Login(context.Background(), "", "secret")
	if err == nil || err.Error() != "field required" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLogin_NoBaseURL(t *testing.T) {
	if _, err := New("", nil).Login(context.Background(), "a", "b"); !errors.Is(err, ErrNoBaseURL) {
		t.Fatalf("expected ErrNoBaseURL, got %v", err)
	}
}

func TestDetail_Fallback(t *testing.T) {
	for _, body := range []string{``, `{}`, `<html>`, `{"detail":[]}`} {
		if got := detail([]byte(body)); got != "Login failed" {
			t.Errorf("detail(%q) = %q", body, got)
		}
	}
}
