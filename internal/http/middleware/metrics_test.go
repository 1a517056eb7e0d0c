package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/go-doc-gateway/internal/proxy"
)

func TestMetrics_BoundedRouteLabels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/api/graph/:id", func(c *gin.Context) { c.String(http.StatusOK, `{"@id":"graph:1"}`) })
	r.DELETE("/api/graph/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	graphOK := httpReqs.WithLabelValues("GET", "/api/graph/:id", "200")
	deleted := httpReqs.WithLabelValues("DELETE", "/api/graph/:id", "204")
	missing := httpReqs.WithLabelValues("GET", labelUnmatched, "404")
	b1, b2, b3 := testutil.ToFloat64(graphOK), testutil.ToFloat64(deleted), testutil.ToFloat64(missing)

	for _, id := range []string{"1", "2", "3"} {
		serve(r, http.MethodGet, "/api/graph/"+id, nil)
	}
	serve(r, http.MethodDelete, "/api/graph/9", nil)
	serve(r, http.MethodGet, "/scienceai__1__/graph:1", nil)

	if got := testutil.ToFloat64(graphOK); got != b1+3 {
		t.Fatalf("graph 200 = %v; want %v", got, b1+3)
	}
	if got := testutil.ToFloat64(deleted); got != b2+1 {
		t.Fatalf("delete 204 = %v; want %v", got, b2+1)
	}
	if got := testutil.ToFloat64(missing); got != b3+1 {
		t.Fatalf("unmatched 404 = %v; want %v", got, b3+1)
	}
	for _, traffic := range []string{"rest", labelReplication} {
		if v := testutil.ToFloat64(httpInflight.WithLabelValues(traffic)); v != 0 {
			t.Fatalf("inflight %s = %v after requests", traffic, v)
		}
	}
}

func TestMetrics_InflightSplitsReplication(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var rest, repl float64
	r := gin.New()
	r.Use(Metrics())
	r.GET("/api/feed", func(c *gin.Context) {
		rest = testutil.ToFloat64(httpInflight.WithLabelValues("rest"))
		repl = testutil.ToFloat64(httpInflight.WithLabelValues(labelReplication))
		c.Status(http.StatusOK)
	})

	serve(r, http.MethodGet, "/api/feed", nil)
	if rest != 1 || repl != 0 {
		t.Fatalf("REST request: rest=%v replication=%v", rest, repl)
	}
	serve(r, http.MethodGet, "/api/feed", map[string]string{proxy.HeaderReplication: "true"})
	if rest != 0 || repl != 1 {
		t.Fatalf("marked request: rest=%v replication=%v", rest, repl)
	}
}
