package httpserver

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/EchoPBX/tradedesk/internal/config"
	"github.com/EchoPBX/tradedesk/internal/events"
	gojwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

func TestAuthMiddleware(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ui"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPath := filepath.Join(t.TempDir(), "ui.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.Auth.JWTPublicKeys = []string{certPath}
	srv, err := New(cfg, zap.NewNop(), Deps{Bus: events.NewBus(nil), Session: newFakeSession(true), Views: fakeViews{}})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tok := gojwt.NewWithClaims(gojwt.SigningMethodRS256, gojwt.MapClaims{"sub": "ui"})
	tok.Header["kid"] = "ui"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is open", "/healthz", "", http.StatusOK},
		{"missing token", "/v1/views", "", http.StatusUnauthorized},
		{"garbage token", "/v1/views", "Bearer nope", http.StatusUnauthorized},
		{"bearer header", "/v1/views", "Bearer " + signed, http.StatusOK},
		{"query token", "/v1/views?access_token=" + signed, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
