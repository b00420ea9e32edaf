package prometheus

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	h := New(reg, reg, "cdss")

	r := gin.New()
	r.Use(h.Middleware())
	r.GET("/case/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/metrics", h.Handler())

	for _, id := range []string{"1", "2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/case/"+id, nil))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(h.requestTotal.WithLabelValues("GET", "/case/:id", "404")))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.errorTotal.WithLabelValues("GET", "/case/:id", "404")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `cdss_http_requests_total{method="GET",path="/case/:id",status="404"} 2`)
}
