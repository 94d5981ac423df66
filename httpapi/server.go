// Package httpapi exposes the settlement pipeline over HTTP.
package httpapi

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/botmarket/settlement"
	"github.com/botmarket/settlement/pipeline"
)

// maxBodyBytes caps completion report bodies.
const maxBodyBytes = 1 << 20

// Server routes HTTP traffic to the pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	log      *slog.Logger
}

// NewServer creates a Server over p.
func NewServer(p *pipeline.Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{pipeline: p, log: log}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.POST("/completions", s.handleSubmit)
	v1.GET("/completions", s.handleRecent)
	v1.GET("/completions/:chainId/:jobId/status", s.handleStatus)
	v1.GET("/dlq/stats", s.handleDLQStats)

	return r
}

// requestID tags every response with a correlation id, honoring one
// supplied by the caller.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-Id", id)
		c.Set("requestId", id)
		c.Next()
	}
}

func (s *Server) handleSubmit(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	dryRun := c.Query("dryRun")
	opts := pipeline.Options{
		DryRun: dryRun == "1" || dryRun == "true",
		Mode:   settlement.Mode(c.Query("mode")),
	}
	if raw := c.Query("chainId"); raw != "" {
		chainID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "chainId must be a decimal integer"})
			return
		}
		opts.ChainID = chainID
	}
	if opts.Mode != "" && opts.Mode != settlement.ModeRelay && opts.Mode != settlement.ModeSelfSubmit {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown mode %q", opts.Mode)})
		return
	}

	resp, err := s.pipeline.ProcessCompletion(c.Request.Context(), body, opts)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	chainID, err := strconv.ParseUint(c.Param("chainId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chainId must be a decimal integer"})
		return
	}
	jobID, err := strconv.ParseUint(c.Param("jobId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobId must be a decimal integer"})
		return
	}

	status, err := s.pipeline.Status(c.Request.Context(), chainID, jobID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleRecent(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	recs, err := s.pipeline.RecentCompletions(c.Request.Context(), limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if recs == nil {
		recs = []*settlement.CompletionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"completions": recs})
}

func (s *Server) handleDLQStats(c *gin.Context) {
	stats, err := s.pipeline.DLQStats(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// renderError maps pipeline errors onto the API contract. Conflicts get
// a Retry-After hint so clients poll instead of hammering.
func (s *Server) renderError(c *gin.Context, err error) {
	pe := settlement.AsPipelineError(err)
	status := pe.HTTPStatus()
	if pe.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(pe.RetryAfter.Seconds())))
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "requestId", c.GetString("requestId"), "code", pe.Code, "error", pe.Message)
	}
	c.JSON(status, gin.H{"error": pe})
}
