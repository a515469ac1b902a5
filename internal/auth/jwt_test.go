package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	s := NewSigner("secret", "", time.Minute)
	token, err := s.Token("https://redact.internal/tasks")
	require.NoError(t, err)

	claims, err := NewVerifier("secret", "https://redact.internal/tasks").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "scribe", claims.Issuer)
}

func TestVerify_WrongAudience(t *testing.T) {
	token, err := NewSigner("secret", "", time.Minute).Token("a")
	require.NoError(t, err)

	_, err = NewVerifier("secret", "b").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := NewSigner("secret", "", time.Minute).Token("a")
	require.NoError(t, err)

	_, err = NewVerifier("other", "").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	s := NewSigner("secret", "", time.Minute)
	s.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, err := s.Token("a")
	require.NoError(t, err)

	_, err = NewVerifier("secret", "a").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsNone(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewVerifier("secret", "").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSigner_CachesPerAudience(t *testing.T) {
	s := NewSigner("secret", "", time.Hour)

	a1, err := s.Token("a")
	require.NoError(t, err)
	a2, err := s.Token("a")
	require.NoError(t, err)
	b, err := s.Token("b")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
}

func TestVerifyRequest(t *testing.T) {
	v := NewVerifier("secret", "")

	req := httptest.NewRequest("POST", "/events/push", nil)
	_, err := v.VerifyRequest(req)
	assert.ErrorIs(t, err, ErrMissingToken)

	token, err := NewSigner("secret", "", time.Minute).Token("x")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = v.VerifyRequest(req)
	assert.NoError(t, err)
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token("anything")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestFixedAudience(t *testing.T) {
	src := FixedAudience{Source: NewSigner("secret", "", time.Hour), Audience: "steps"}

	tok, err := src.Token("http://transcribe/tasks")
	require.NoError(t, err)

	claims, err := NewVerifier("secret", "steps").Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "steps", claims.Audience[0])
}
