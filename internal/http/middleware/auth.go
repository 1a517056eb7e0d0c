package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-doc-gateway/internal/auth"
	"github.com/tbourn/go-doc-gateway/internal/domain"
)

const (
	viewerKey = "viewer"
	// userIDKey holds the "user:<name>" id of authenticated requests.
	userIDKey = "userID"
)

// ViewerResolver maps request credentials to a viewer. *auth.Authenticator
// implements it.
type ViewerResolver interface {
	Viewer(r *http.Request) (domain.Viewer, error)
}

// Authenticate resolves the viewer of every request. Requests without
// credentials continue as the public audience; requests with credentials that
// do not verify are rejected with 401.
func Authenticate(resolver ViewerResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := resolver.Viewer(c.Request)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrInvalidCredentials) {
				c.Header("WWW-Authenticate", `Basic realm="gateway"`)
				abort(c, domain.WrapError(http.StatusUnauthorized, err))
				return
			}
			abort(c, domain.WrapError(http.StatusBadGateway, err))
			return
		}
		SetViewer(c, v)
		c.Next()
	}
}

// SetViewer stores v in c.
func SetViewer(c *gin.Context, v domain.Viewer) {
	c.Set(viewerKey, v)
	if !v.IsPublic() {
		c.Set(userIDKey, v.UserID())
	}
	if lg := LoggerFrom(c); !v.IsPublic() {
		l := lg.With().Str("user_id", v.UserID()).Logger()
		c.Set(loggerKey, &l)
	}
}

// ViewerFrom returns the viewer resolved by Authenticate, or the public
// audience.
func ViewerFrom(c *gin.Context) domain.Viewer {
	if v, ok := c.Get(viewerKey); ok {
		if viewer, ok := v.(domain.Viewer); ok {
			return viewer
		}
	}
	return domain.PublicViewer()
}
