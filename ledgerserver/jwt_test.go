// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgerserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Markandayan1518/Malar-Market-Ledger-sub001/internal/auth"
)

func TestJWTRoundTrip(t *testing.T) {
	j := NewJWTAuth("test-secret")

	token, err := j.GenerateToken("vendor-1", "device-a", time.Hour)
	require.NoError(t, err)

	claims, err := j.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "vendor-1", claims.Subject)
	require.Equal(t, "device-a", claims.DeviceID)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("vendor-1", "device-a", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsExpired(t *testing.T) {
	j := NewJWTAuth("test-secret")
	token, err := j.GenerateToken("vendor-1", "device-a", -time.Minute)
	require.NoError(t, err)

	_, err = j.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	j := NewJWTAuth("test-secret")
	token, err := j.GenerateToken("vendor-1", "device-a", time.Hour)
	require.NoError(t, err)

	var gotUser, gotDevice string
	handler := j.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.GetUserID(r.Context())
		gotDevice, _ = auth.GetDeviceID(r.Context())
	}))

	// Valid token reaches the handler with identity in context.
	req := httptest.NewRequest(http.MethodGet, "/api/suggestions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "vendor-1", gotUser)
	require.Equal(t, "device-a", gotDevice)

	// Missing and malformed headers are rejected.
	for _, header := range []string{"", "Basic abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/api/suggestions", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}
