package http

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/config"
	"streamlease/internal/ledger"
	"streamlease/internal/manager"
	"streamlease/internal/security"
	"streamlease/internal/store"
)

// --- helpers ---

func newTestLogger() logger.Logger {
	return logger.New(loggerCfg.LoggerCfg{Level: "error", Format: "json"})
}

type fakeViews struct {
	depErr error
}

func (f *fakeViews) Snapshot() store.Snapshot                    { return store.Snapshot{TotalSwaps: 3} }
func (f *fakeViews) Streams() []manager.StreamStatus             { return nil }
func (f *fakeViews) SpendTotals() []ledger.SpendTotal            { return nil }
func (f *fakeViews) PriceHistory(pair string) []store.PricePoint { return nil }
func (f *fakeViews) CheckDependency(ctx context.Context) error   { return f.depErr }

func newTestServer(t *testing.T, d Deps) *Server {
	t.Helper()

	if d.Log == nil {
		d.Log = newTestLogger()
	}
	if d.Cfg == nil {
		d.Cfg = &config.HTTPConfig{}
	}
	if d.Views == nil {
		d.Views = &fakeViews{}
	}

	s, err := NewServer(d)
	require.NoError(t, err)
	return s
}

// --- tests ---

func TestNewServer_Defaults(t *testing.T) {
	s := newTestServer(t, Deps{})

	assert.Equal(t, ":8080", s.Addr())
	assert.Equal(t, 10*time.Second, s.srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, s.srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, s.srv.IdleTimeout)
}

func TestNewServer_ConfigOverrides(t *testing.T) {
	s := newTestServer(t, Deps{
		Cfg: &config.HTTPConfig{
			Addr:         ":9191",
			ReadTimeout:  time.Second,
			WriteTimeout: 2 * time.Second,
			IdleTimeout:  3 * time.Second,
		},
	})

	assert.Equal(t, ":9191", s.Addr())
	assert.Equal(t, time.Second, s.srv.ReadTimeout)
	assert.Equal(t, 2*time.Second, s.srv.WriteTimeout)
	assert.Equal(t, 3*time.Second, s.srv.IdleTimeout)
}

func TestServer_TechEndpoints(t *testing.T) {
	s := newTestServer(t, Deps{})

	for _, path := range []string{"/healthz", "/readiness", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

func TestServer_OverviewWithoutAuth(t *testing.T) {
	// no verifier configured, the data routes are open
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_GzipResponses(t *testing.T) {
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_JWTProtectsDataRoutes(t *testing.T) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	verifier := &security.RS256Verifier{
		PubKey: &privKey.PublicKey,
		Aud:    "streamlease",
		Iss:    "test-issuer",
	}

	s := newTestServer(t, Deps{JWT: verifier})

	t.Run("tech_routes_stay_open", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("data_route_rejects_missing_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
		rec := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("data_route_accepts_valid_token", func(t *testing.T) {
		now := time.Now()
		claims := jwt.RegisteredClaims{
			Subject:   "ops",
			Audience:  jwt.ClaimStrings{"streamlease"},
			Issuer:    "test-issuer",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(privKey)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
