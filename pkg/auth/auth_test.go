package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	stored, err := HashPassword("correct horse")
	require.NoError(t, err)
	salt, key, ok := strings.Cut(stored, ":")
	require.True(t, ok)
	require.Len(t, salt, 32)
	require.Len(t, key, 64)

	require.True(t, VerifyPassword("correct horse", stored))
	require.False(t, VerifyPassword("correct horse!", stored))
	require.False(t, VerifyPassword("correct horse", "nocolon"))
	require.False(t, VerifyPassword("correct horse", "zz:zz"))

	other, err := HashPassword("correct horse")
	require.NoError(t, err)
	require.NotEqual(t, stored, other)
}

func TestValidateSignup(t *testing.T) {
	require.NoError(t, ValidateSignup("a@b.io", "12345678"))
	require.ErrorIs(t, ValidateSignup("a@b", "12345678"), ErrInvalidEmail)
	require.ErrorIs(t, ValidateSignup("a b@c.io", "12345678"), ErrInvalidEmail)
	require.ErrorIs(t, ValidateSignup("a@b.io", "1234567"), ErrPasswordTooWeak)
	require.Equal(t, "a@b.io", NormalizeEmail("  A@B.io "))
}

func TestIssuer(t *testing.T) {
	_, err := NewIssuer("", true)
	require.ErrorIs(t, err, ErrMissingSecret)

	iss, err := NewIssuer("", false)
	require.NoError(t, err)

	name := "Ada"
	tok, err := iss.Sign(Claims{UserID: 7, Email: "ada@example.com", Name: &name})
	require.NoError(t, err)

	c, err := iss.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, int64(7), c.UserID)
	require.Equal(t, "ada@example.com", c.Email)
	require.Equal(t, "Ada", *c.Name)

	other, err := NewIssuer("another-secret", true)
	require.NoError(t, err)
	_, err = other.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = iss.Verify("not.a.token")
	require.ErrorIs(t, err, ErrInvalidToken)

	iss.now = func() time.Time { return time.Now().Add(TokenTTL + time.Hour) }
	_, err = iss.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddlewareAndRequireUser(t *testing.T) {
	iss, err := NewIssuer("secret", false)
	require.NoError(t, err)
	tok, err := iss.Sign(Claims{UserID: 1, Email: "u@example.com"})
	require.NoError(t, err)

	h := iss.Middleware(RequireUser(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(c.Email))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"error":"Not authenticated"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: tok})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u@example.com", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCookies(t *testing.T) {
	rec := httptest.NewRecorder()
	SetCookie(rec, "tok", CookieOptions{Secure: true})
	c := rec.Result().Cookies()[0]
	require.Equal(t, CookieName, c.Name)
	require.True(t, c.HttpOnly)
	require.True(t, c.Secure)
	require.Equal(t, http.SameSiteLaxMode, c.SameSite)
	require.Equal(t, int(TokenTTL.Seconds()), c.MaxAge)
	require.Equal(t, "/", c.Path)

	rec = httptest.NewRecorder()
	ClearCookie(rec, CookieOptions{})
	c = rec.Result().Cookies()[0]
	require.Equal(t, "", c.Value)
	require.Less(t, c.MaxAge, 0)
	require.False(t, c.Secure)
}
