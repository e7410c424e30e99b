package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func serve(r *gin.Engine, path string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
}

func TestRequestLoggerWritesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var out bytes.Buffer
	logger := zerolog.New(&out)

	r := gin.New()
	r.Use(RequestLogger(logger), RequestMetricsMiddleware("collab-a"))
	r.GET("/collabs/:token", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	serve(r, "/collabs/dev_1")

	line := out.String()
	if !strings.Contains(line, `"route":"/collabs/:token"`) || !strings.Contains(line, `"path":"/collabs/dev_1"`) {
		t.Fatalf("expected route pattern and raw path, got: %s", line)
	}
	if !strings.Contains(line, `"level":"warn"`) {
		t.Fatalf("expected 4xx at warn, got: %s", line)
	}
}

func TestRequestLoggerQuietsProbesAndLabelsUnmatched(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var out bytes.Buffer
	logger := zerolog.New(&out)

	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(r, "/health")
	if line := out.String(); !strings.Contains(line, `"level":"debug"`) {
		t.Fatalf("expected health probe at debug, got: %s", line)
	}

	out.Reset()
	serve(r, "/no/such/route")
	if line := out.String(); !strings.Contains(line, `"route":"unmatched"`) {
		t.Fatalf("expected unmatched route label, got: %s", line)
	}
}
