package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateAndValidateToken(t *testing.T) {
	secret := []byte("test-secret")

	token, err := GenerateToken(secret, "operator")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateToken() returned empty token")
	}

	claims, err := ValidateToken(secret, token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "operator" {
		t.Errorf("Subject = %v, want operator", claims.Subject)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := GenerateToken([]byte("right-secret"), "operator")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if _, err := ValidateToken([]byte("wrong-secret"), token); err == nil {
		t.Error("ValidateToken() expected error for wrong secret, got nil")
	}
}

func TestValidateToken_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "invalid token", token: "invalid.token.here"},
		{name: "not a jwt", token: "notavalidjwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateToken([]byte("secret"), tt.token); err == nil {
				t.Error("ValidateToken() expected error for malformed token")
			}
		})
	}
}

func TestMiddleware_NoSecretSkipsAuth(t *testing.T) {
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/admin/vms", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusOK)
	}
}

func TestMiddleware(t *testing.T) {
	secret := []byte("test-secret")
	token, _ := GenerateToken(secret, "operator")

	tests := []struct {
		name           string
		authHeader     string
		wantStatusCode int
	}{
		{name: "no auth header", authHeader: "", wantStatusCode: http.StatusUnauthorized},
		{name: "invalid auth format", authHeader: "InvalidFormat token", wantStatusCode: http.StatusUnauthorized},
		{name: "invalid token", authHeader: "Bearer invalidtoken", wantStatusCode: http.StatusUnauthorized},
		{name: "valid token", authHeader: "Bearer " + token, wantStatusCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Middleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if claims := FromContext(r.Context()); claims == nil {
					t.Error("FromContext() = nil inside authenticated handler")
				}
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/admin/vms", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatusCode {
				t.Errorf("status = %v, want %v", rr.Code, tt.wantStatusCode)
			}
		})
	}
}
