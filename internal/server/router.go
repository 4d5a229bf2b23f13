package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/termsup/internal/tools"
)

// Router provides embeddable HTTP handlers over the session tools.
// Endpoints:
//
//	POST {basePath}/execute   body: {command, timeout, reuse_terminal, cwd}
//	GET  {basePath}/status    query: timeout=seconds (optional)
//	GET  {basePath}/output    query: pid=N&lines=N (lines optional)
//	POST {basePath}/stop      body: {pids, lines}
//	GET  {basePath}/metrics   when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	tools    *tools.Tools
	basePath string
	metrics  http.Handler
	logger   *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/execute, /api/status, ...
func NewRouter(t *tools.Tools, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{tools: t, basePath: sanitizeBase(basePath), logger: logger.With("component", "http")}
}

// WithMetrics mounts h at {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	group := g.Group(r.basePath)
	group.POST("/execute", r.handleExecute)
	group.GET("/status", r.handleStatus)
	group.GET("/output", r.handleOutput)
	group.POST("/stop", r.handleStop)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr serving h.
// Callers stop it with Shutdown or Close.
func NewServer(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// status waits may take up to the configured maximum
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type executeReq struct {
	Command       string   `json:"command"`
	Timeout       *float64 `json:"timeout"`
	ReuseTerminal *bool    `json:"reuse_terminal"`
	Cwd           string   `json:"cwd"`
}

type stopReq struct {
	PIDs  []int `json:"pids"`
	Lines int   `json:"lines"`
}

func (r *Router) handleExecute(c *gin.Context) {
	var body executeReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if body.Command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	if !isSafeAbsPath(body.Cwd) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid cwd: must be absolute path without traversal"})
		return
	}
	req := tools.ExecuteRequest{Command: body.Command, ReuseTerminal: body.ReuseTerminal, Cwd: body.Cwd}
	if body.Timeout != nil {
		req.Timeout = executeTimeout(*body.Timeout)
	}
	res, err := r.tools.Execute(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStatus(c *gin.Context) {
	var wait time.Duration
	if v := c.Query("timeout"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + v})
			return
		}
		wait = seconds(secs)
	}
	res, err := r.tools.Status(c.Request.Context(), wait)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Error != "" {
		writeJSON(c, http.StatusBadRequest, res)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleOutput(c *gin.Context) {
	pid, err := strconv.Atoi(c.Query("pid"))
	if err != nil || pid <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "pid query param required"})
		return
	}
	lines := tools.DefaultOutputLines
	if v := c.Query("lines"); v != "" {
		if lines, err = strconv.Atoi(v); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid lines: " + v})
			return
		}
	}
	res, err := r.tools.Output(c.Request.Context(), pid, lines)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStop(c *gin.Context) {
	var body stopReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(body.PIDs) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "pids required"})
		return
	}
	res, err := r.tools.Stop(c.Request.Context(), body.PIDs, body.Lines)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
