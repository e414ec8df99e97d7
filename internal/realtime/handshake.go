package realtime

import (
	"errors"
	"net/http"
	"strings"

	"mistica-notifications/pkg/auth"
)

var (
	ErrMissingToken = errors.New("authentication token is required")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// TokenFromRequest шукає токен у query параметрі token, потім у заголовку Authorization.
// Браузерний WebSocket не вміє ставити заголовки, тому query має пріоритет.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// Authenticator перевіряє handshake до upgrade з'єднання
type Authenticator struct {
	jwtManager *auth.JWTManager
}

func NewAuthenticator(jwtManager *auth.JWTManager) *Authenticator {
	return &Authenticator{jwtManager: jwtManager}
}

// Authenticate повертає claims з підтвердженою ідентичністю користувача
func (a *Authenticator) Authenticate(r *http.Request) (*auth.Claims, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return nil, ErrMissingToken
	}

	claims, err := a.jwtManager.ValidateToken(token)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	return claims, nil
}
