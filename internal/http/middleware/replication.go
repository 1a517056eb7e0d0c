package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-doc-gateway/internal/proxy"
)

const replicationKey = "replication"

// Forwarder serves replication traffic. *proxy.Proxy implements it.
type Forwarder interface {
	Serve(w http.ResponseWriter, r *http.Request, username string) error
}

// Replication hands requests carrying the X-Pouchdb header to fwd and stops
// the chain; every other request continues to the REST routes. Place it after
// Authenticate so the viewer is known.
func Replication(fwd Forwarder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !proxy.IsReplication(c.Request) {
			c.Next()
			return
		}
		c.Set(replicationKey, true)
		if err := fwd.Serve(c.Writer, c.Request, ViewerFrom(c).Username); err != nil {
			abort(c, err)
			return
		}
		c.Abort()
	}
}
