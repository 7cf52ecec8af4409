package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-quiz-service/internal/domain"
)

func TestJWTVerifier(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	v, err := NewJWTVerifier("s3cret", "live-quiz")
	require.NoError(t, err)
	v.now = func() time.Time { return now }

	valid, err := v.Issue("host-1", time.Hour)
	require.NoError(t, err)

	other, _ := NewJWTVerifier("other", "live-quiz")
	other.now = v.now
	foreign, _ := other.Issue("host-1", time.Hour)

	wrongIssuer, _ := NewJWTVerifier("s3cret", "someone-else")
	wrongIssuer.now = v.now
	misissued, _ := wrongIssuer.Issue("host-1", time.Hour)

	legacy, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "live-quiz"},
		UserID:           "host-legacy",
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "live-quiz"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := map[string]struct {
		credential  string
		wantSubject string
		wantErr     error
	}{
		"valid token":          {credential: valid, wantSubject: "host-1"},
		"bearer prefix":        {credential: "Bearer " + valid, wantSubject: "host-1"},
		"userId claim":         {credential: legacy, wantSubject: "host-legacy"},
		"empty":                {credential: "  ", wantErr: domain.ErrAuthInvalid},
		"garbage":              {credential: "not-a-token", wantErr: domain.ErrAuthInvalid},
		"wrong secret":         {credential: foreign, wantErr: domain.ErrAuthInvalid},
		"wrong issuer":         {credential: misissued, wantErr: domain.ErrAuthInvalid},
		"missing subject":      {credential: noSubject, wantErr: domain.ErrAuthInvalid},
		"bearer without token": {credential: "Bearer ", wantErr: domain.ErrAuthInvalid},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			subject, err := v.Verify(ctx, tc.credential)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantSubject, subject)
		})
	}
}

func TestJWTVerifierExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	v, err := NewJWTVerifier("s3cret", "")
	require.NoError(t, err)
	v.now = func() time.Time { return now }

	token, err := v.Issue("host-1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
}

func TestJWTVerifierRejectsOtherAlgorithms(t *testing.T) {
	v, err := NewJWTVerifier("s3cret", "")
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "host-1"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier(" ", "")
	assert.Error(t, err)
}
