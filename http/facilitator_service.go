package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/atomic"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
	"github.com/FluxA-Agent-Payment/x402/extensions/webbotauth"
)

// ============================================================================
// Facilitator HTTP Service (gin)
// ============================================================================

// DefaultSettleCacheTTL bounds how long a settled response answers retries of
// the same issuance.
const DefaultSettleCacheTTL = 10 * time.Minute

// BenchmarkMetrics is the GET /benchmark/metrics response body.
type BenchmarkMetrics struct {
	ReceiptsVerified       int64 `json:"receiptsVerified"`
	ReceiptsSettled        int64 `json:"receiptsSettled"`
	SettlementTransactions int64 `json:"settlementTransactions"`
	PendingSessions        int64 `json:"pendingSessions"`
}

// MetricsFunc supplies the benchmark counters. Deferred schemes settle out of
// band, so deployments running one feed its own counters here; without it the
// service reports what it counted at the HTTP boundary.
type MetricsFunc func() BenchmarkMetrics

// FacilitatorService exposes a facilitator registry over HTTP:
// POST /verify, POST /settle, GET /supported and GET /benchmark/metrics.
// Settle calls are wrapped in the settlement cache so client retries of the
// same issuance collapse to a single settlement.
type FacilitatorService struct {
	facilitator *x402.X402Facilitator
	settleCache *x402.SettlementCache
	logger      *slog.Logger
	metricsFn   MetricsFunc

	receiptsVerified atomic.Int64
	receiptsSettled  atomic.Int64
	settlementTxs    atomic.Int64
}

// FacilitatorServiceOption configures the service.
type FacilitatorServiceOption func(*facilitatorServiceConfig)

type facilitatorServiceConfig struct {
	settleCacheTTL time.Duration
	logger         *slog.Logger
	metricsFn      MetricsFunc
}

// WithSettleCacheTTL overrides DefaultSettleCacheTTL.
func WithSettleCacheTTL(ttl time.Duration) FacilitatorServiceOption {
	return func(c *facilitatorServiceConfig) {
		c.settleCacheTTL = ttl
	}
}

// WithServiceLogger sets the request outcome logger.
func WithServiceLogger(logger *slog.Logger) FacilitatorServiceOption {
	return func(c *facilitatorServiceConfig) {
		c.logger = logger
	}
}

// WithMetricsFunc sets the benchmark counter source.
func WithMetricsFunc(fn MetricsFunc) FacilitatorServiceOption {
	return func(c *facilitatorServiceConfig) {
		c.metricsFn = fn
	}
}

// NewFacilitatorService wraps a facilitator registry in the HTTP surface.
func NewFacilitatorService(facilitator *x402.X402Facilitator, opts ...FacilitatorServiceOption) *FacilitatorService {
	config := facilitatorServiceConfig{
		settleCacheTTL: DefaultSettleCacheTTL,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	return &FacilitatorService{
		facilitator: facilitator,
		settleCache: x402.NewSettlementCache(config.settleCacheTTL),
		logger:      config.logger,
		metricsFn:   config.metricsFn,
	}
}

// Routes registers the facilitator endpoints on a gin router.
func (s *FacilitatorService) Routes(router gin.IRouter) {
	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.GET("/supported", s.handleSupported)
	router.GET("/benchmark/metrics", s.handleMetrics)
}

// Handler returns a standalone http.Handler serving the facilitator routes.
func (s *FacilitatorService) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s.Routes(engine)
	return engine
}

func (s *FacilitatorService) handleVerify(c *gin.Context) {
	if !s.checkHeaderSizes(c) {
		return
	}

	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid verify request: " + err.Error()})
		return
	}

	s.attachRawWebBotAuth(c, &req.PaymentPayload)

	response, err := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("verify failed",
			slog.String("scheme", req.PaymentRequirements.Scheme),
			slog.String("network", string(req.PaymentRequirements.Network)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if response.IsValid {
		s.receiptsVerified.Inc()
	}
	s.logger.Info("verify",
		slog.String("scheme", req.PaymentRequirements.Scheme),
		slog.String("network", string(req.PaymentRequirements.Network)),
		slog.Bool("isValid", response.IsValid),
		slog.String("invalidReason", response.InvalidReason))

	c.JSON(http.StatusOK, response)
}

func (s *FacilitatorService) handleSettle(c *gin.Context) {
	if !s.checkHeaderSizes(c) {
		return
	}

	var req x402.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settle request: " + err.Error()})
		return
	}

	s.attachRawWebBotAuth(c, &req.PaymentPayload)

	response, err := s.settleWithCache(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("settle failed",
			slog.String("scheme", req.PaymentRequirements.Scheme),
			slog.String("network", string(req.PaymentRequirements.Network)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if response.Success {
		s.receiptsSettled.Inc()
		s.settlementTxs.Inc()
	}
	s.logger.Info("settle",
		slog.String("scheme", req.PaymentRequirements.Scheme),
		slog.String("network", string(req.PaymentRequirements.Network)),
		slog.Bool("success", response.Success),
		slog.String("errorReason", response.ErrorReason))

	c.JSON(http.StatusOK, response)
}

// settleWithCache collapses retries of the same issuance onto one settlement.
// Failures are not cached so legitimate retries can proceed.
func (s *FacilitatorService) settleWithCache(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	payloadBytes, err := encoding.Canonical(payload)
	if err != nil {
		return nil, err
	}
	key := x402.SettlementKeyForRequirements(requirements, payloadBytes)

	status, cached, done := s.settleCache.CheckAndMark(key)
	switch status {
	case x402.StatusCached:
		return cached, nil

	case x402.StatusInFlight:
		result, err := s.settleCache.WaitForResult(ctx, key, done)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// The in-flight attempt failed without caching; take a fresh slot.
		return s.settleWithCache(ctx, payload, requirements)

	case x402.StatusNotFound:
		// This request owns the in-flight slot.
	}

	response, err := s.facilitator.Settle(ctx, payload, requirements)
	if err != nil || !response.Success {
		s.settleCache.Fail(key, done)
		return response, err
	}

	s.settleCache.Complete(key, response, done)
	return response, nil
}

func (s *FacilitatorService) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.GetSupported())
}

func (s *FacilitatorService) handleMetrics(c *gin.Context) {
	if s.metricsFn != nil {
		c.JSON(http.StatusOK, s.metricsFn())
		return
	}
	c.JSON(http.StatusOK, BenchmarkMetrics{
		ReceiptsVerified:       s.receiptsVerified.Load(),
		ReceiptsSettled:        s.receiptsSettled.Load(),
		SettlementTransactions: s.settlementTxs.Load(),
	})
}

// checkHeaderSizes rejects oversized payment-bearing headers with 431 before
// any decoding.
func (s *FacilitatorService) checkHeaderSizes(c *gin.Context) bool {
	for _, name := range []string{HeaderPaymentSignature, HeaderSignatureAgent, HeaderSignatureInput, HeaderSignature} {
		if len(c.GetHeader(name)) > MaxPaymentHeaderBytes {
			c.AbortWithStatusJSON(http.StatusRequestHeaderFieldsTooLarge, gin.H{
				"error": name + " header exceeds size limit",
			})
			return false
		}
	}
	return true
}

// attachRawWebBotAuth reconstructs the web-bot-auth envelope from signature
// headers forwarded on the facilitator request itself. The explicit extension
// placed by the resource server always wins; raw headers only fill a gap.
func (s *FacilitatorService) attachRawWebBotAuth(c *gin.Context, payload *x402.PaymentPayload) {
	if _, ok := payload.Extensions[webbotauth.ExtensionKey]; ok {
		return
	}

	env := webbotauth.Envelope{
		SignatureAgent:         c.GetHeader(HeaderSignatureAgent),
		SignatureInput:         c.GetHeader(HeaderSignatureInput),
		Signature:              c.GetHeader(HeaderSignature),
		PaymentSignatureHeader: c.GetHeader(HeaderPaymentSignature),
	}
	if !env.Complete() {
		return
	}

	webbotauth.Attach(payload, env)
}
