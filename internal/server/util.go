package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/termsup/internal/tools"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeAbsPath ensures the provided path is absolute and does not contain traversal.
// It must be already cleaned (no ".." segments).
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	sep := string(filepath.Separator)
	trimmed := strings.TrimRight(p, sep)
	if trimmed == "" {
		trimmed = p // keep root like "/" on Unix
	}
	return clean == p || clean == trimmed
}

// executeTimeout rounds up to whole seconds; zero or less means the default.
func executeTimeout(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return seconds(math.Ceil(secs))
}

func seconds(f float64) time.Duration {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f * float64(time.Second))
}

// writeError maps tool errors onto status codes.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, tools.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, tools.ErrInvalidArgument):
		code = http.StatusBadRequest
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
