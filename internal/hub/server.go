package hub

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/observability"
	"github.com/xirs/xirs/internal/pairing"
	"github.com/xirs/xirs/internal/protocol"
)

// ServerConfig configures the Hub HTTP API.
type ServerConfig struct {
	CORSOrigins []string
	// PairRate and PairBurst throttle code redemption per client IP.
	PairRate  rate.Limit
	PairBurst int
}

// IngestPath accepts the chunk texts of one scanned packet.
const IngestPath = "/api/ingest"

// IngestRequest carries the scanned chunk texts of one packet.
type IngestRequest struct {
	Chunks []string `json:"chunks" binding:"required"`
}

// IngestResponse reports what the Hub did with a packet.
type IngestResponse struct {
	PacketType protocol.PacketType `json:"packet_type"`
	MessageID  string              `json:"message_id,omitempty"`
	Duplicate  bool                `json:"duplicate"`
	Outcome    string              `json:"outcome"`
}

// Server is the Hub's pairing and ingest API.
type Server struct {
	router  *gin.Engine
	pairing *PairingService
	ingest  *Ingest
	limiter *multiLimiter
	started time.Time
}

// NewServer builds the router. A nil ingest leaves the ingest route out.
func NewServer(svc *PairingService, ingest *Ingest, cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.PairRate <= 0 {
		cfg.PairRate = rate.Every(6 * time.Second)
	}
	if cfg.PairBurst <= 0 {
		cfg.PairBurst = 5
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost"}
	}

	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		router:  r,
		pairing: svc,
		ingest:  ingest,
		limiter: newMultiLimiter(cfg.PairRate, cfg.PairBurst, 30*time.Minute),
		started: time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"version": protocol.Version,
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST(pairing.PairPath, s.handlePair)
	if s.ingest != nil {
		s.router.POST(IngestPath, s.handleIngest)
	}
}

func (s *Server) handlePair(c *gin.Context) {
	if !s.limiter.allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, pairing.ErrorResponse{Error: "too many pairing attempts, wait and retry", Code: "RATE_LIMITED"})
		return
	}

	var req pairing.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pairing.ErrorResponse{Error: "request body must be JSON with pairing_code", Code: string(protocol.CodeMalformedPayload)})
		return
	}

	bundle, err := s.pairing.Redeem(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), pairing.ErrorResponse{Error: err.Error(), Code: string(protocol.CodeOf(err))})
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (s *Server) handleIngest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pairing.ErrorResponse{Error: "request body must be JSON with chunks", Code: string(protocol.CodeMalformedPayload)})
		return
	}
	prog, err := chunk.Reassemble(req.Chunks)
	if err == nil && !prog.Complete {
		err = protocol.FormatErr(protocol.CodeMalformedChunk, "chunks",
			fmt.Sprintf("packet incomplete: %d/%d chunks, missing %v", prog.Received, prog.Total, prog.Missing))
	}
	if err != nil {
		c.JSON(statusFor(err), pairing.ErrorResponse{Error: err.Error(), Code: string(protocol.CodeOf(err))})
		return
	}
	res := s.ingest.Ingest(c.Request.Context(), prog.Payload)
	if res.Err != nil {
		c.JSON(statusFor(res.Err), pairing.ErrorResponse{Error: res.Err.Error(), Code: string(protocol.CodeOf(res.Err))})
		return
	}
	out := IngestResponse{PacketType: res.Envelope.PacketType, Duplicate: res.Duplicate, Outcome: res.Outcome}
	if res.Envelope.Data != nil {
		out.MessageID = res.Envelope.Data.MessageID()
	}
	c.JSON(http.StatusOK, out)
}

func statusFor(err error) int {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Code {
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeExpired:
		return http.StatusGone
	case protocol.CodeNotAuthorized:
		return http.StatusForbidden
	case protocol.CodeNonceMismatch:
		return http.StatusConflict
	}
	if pe.Kind == protocol.KindTrust {
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}
