package auth

import (
	"context"
	"net/http"

	apperrors "github.com/aidashboard/backend/internal/errors"
)

type contextKey struct{}

// Identity is the authenticated caller, taken from a verified access token.
type Identity struct {
	UserID string
	Email  string
}

// Middleware rejects requests without a valid access cookie. It never
// refreshes: an expired access token is a 401 and the client must call the
// refresh endpoint itself.
func Middleware(tokens *TokenIssuer, cookies *CookieTransport) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := apperrors.GetRequestID(r.Context())

			tokenString, ok := cookies.AccessToken(r)
			if !ok {
				apperrors.WriteError(w, requestID, apperrors.NotAuthenticated())
				return
			}

			claims, err := tokens.VerifyAccess(tokenString)
			if err != nil {
				apperrors.WriteError(w, requestID, apperrors.InvalidToken().WithCause(err))
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{
				UserID: claims.UserID(),
				Email:  claims.Email,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}
