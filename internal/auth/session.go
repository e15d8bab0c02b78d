package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"

	"care-companion/pkg"

	"golang.org/x/crypto/bcrypt"
)

// cookieName is the session cookie set on login.
const cookieName = "session"

// sessionMaxAge is one week, matching how long a nurse station stays
// signed in between shifts.
const sessionMaxAge = 60 * 60 * 24 * 7

// Session is the authenticated identity carried by the cookie.
type Session struct {
	UserID   string   `json:"userId"`
	Role     pkg.Role `json:"role"`
	ClinicID *string  `json:"clinicId"`
}

// HashPin hashes a PIN with bcrypt.  CREDENTIALS_PEPPER, when set, is
// appended to the PIN before hashing so leaked hashes alone are not enough
// to brute-force short PINs.
func HashPin(pin string) (string, error) {
	pepper := os.Getenv("CREDENTIALS_PEPPER")
	hash, err := bcrypt.GenerateFromPassword([]byte(pin+pepper), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPin reports whether the PIN matches the stored hash.
func VerifyPin(pin, hash string) bool {
	pepper := os.Getenv("CREDENTIALS_PEPPER")
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin+pepper)) == nil
}

// SetCookie writes the session cookie for the user.
func SetCookie(w http.ResponseWriter, s Session) {
	payload, _ := json.Marshal(s)
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encode(payload),
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie removes the session cookie.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest parses the session cookie, returning nil when absent or
// malformed.
func FromRequest(r *http.Request) *Session {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return nil
	}
	payload, err := decode(c.Value)
	if err != nil {
		return nil
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil
	}
	if s.UserID == "" || (s.Role != pkg.RoleNurse && s.Role != pkg.RolePatient) {
		return nil
	}
	return &s
}

// The JSON payload is base64-encoded because raw JSON is not a valid
// cookie value.
func encode(payload []byte) string {
	return base64.RawURLEncoding.EncodeToString(payload)
}

func decode(value string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(value)
}

type ctxKey struct{}

// RequireNurse rejects requests without a nurse session and stores the
// session in the request context for handlers.
func RequireNurse(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := FromRequest(r)
		if s == nil || s.Role != pkg.RoleNurse {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, s)))
	})
}

// SessionFromContext returns the session stored by RequireNurse.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
