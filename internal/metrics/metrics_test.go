package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerdictCounter(t *testing.T) {
	m := New()
	m.ObserveVerdict("rejected", "outside_zone")
	m.ObserveVerdict("rejected", "outside_zone")
	m.ObserveVerdict("present", "")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.verdicts.WithLabelValues("rejected", "outside_zone")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("present", "")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	m.ObserveFaceVerify("matched", 300*time.Millisecond)

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `geoattend_face_verify_seconds_count{result="matched"} 1`))
	assert.True(t, strings.Contains(body, `http_requests_total{method="GET",path="/ping",status="200"} 1`))
}
