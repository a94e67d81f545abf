package preflight

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/preflight/internal/apierror"
	"github.com/mbd888/preflight/internal/logging"
	"github.com/mbd888/preflight/internal/rules"
	"github.com/mbd888/preflight/internal/snapshots"
	"github.com/mbd888/preflight/internal/validation"
)

// InternalSecretHeader carries the shared secret for the loopback route.
const InternalSecretHeader = "X-Internal-Secret"

// Handler provides HTTP endpoints for preflight operations.
type Handler struct {
	service        *Service
	internalSecret string
}

// NewHandler creates a new preflight handler. An empty internalSecret makes
// the internal route reject every caller.
func NewHandler(service *Service, internalSecret string) *Handler {
	return &Handler{service: service, internalSecret: internalSecret}
}

// RegisterRoutes sets up the preflight, status and demo routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tx/preflight", h.Preflight)
	r.GET("/tx/preflight/:run_id", validation.RunIDParamMiddleware(), h.GetRun)
	r.POST("/internal/tx/preflight", h.requireInternal, h.InternalPreflight)
	r.GET("/solana/status", h.GetStatus)
	r.GET("/demo/sample", h.DemoSample)
}

type preflightRequest struct {
	TxBase64 *string `json:"tx_base64"`
}

type internalPreflightRequest struct {
	Transaction *string `json:"transaction"`
}

// Preflight handles POST /tx/preflight
func (h *Handler) Preflight(c *gin.Context) {
	var req preflightRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TxBase64 == nil {
		h.badRequest(c, err, "Request body must contain tx_base64 string")
		return
	}
	h.evaluate(c, *req.TxBase64)
}

// InternalPreflight handles POST /internal/tx/preflight
func (h *Handler) InternalPreflight(c *gin.Context) {
	var req internalPreflightRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Transaction == nil {
		h.badRequest(c, err, `Request body must contain "transaction" (base64 string)`)
		return
	}
	h.evaluate(c, *req.Transaction)
}

func (h *Handler) badRequest(c *gin.Context, err error, message string) {
	if validation.IsTooLarge(err) {
		message = "Request body exceeds 64kb limit"
	}
	apierror.Abort(c, apierror.New(apierror.CodeInvalidRequest, message, ""))
}

func (h *Handler) evaluate(c *gin.Context, txBase64 string) {
	res, err := h.service.Evaluate(c.Request.Context(), txBase64)
	if err != nil {
		var invalid *InvalidTxError
		if errors.As(err, &invalid) {
			apierror.Abort(c, apierror.New(apierror.CodeInvalidTx, invalid.Error(), invalid.RequestID))
			return
		}
		logging.L(c.Request.Context()).Error("preflight evaluation failed", "error", err)
		apierror.Abort(c, apierror.New(apierror.CodeInternal, "Failed to evaluate transaction", ""))
		return
	}
	c.JSON(http.StatusOK, res)
}

// requireInternal admits loopback peers presenting the shared secret.
func (h *Handler) requireInternal(c *gin.Context) {
	if !isLoopback(c.RemoteIP()) {
		apierror.Abort(c, apierror.New(apierror.CodeForbidden, "Access denied: non-loopback address", ""))
		return
	}
	got := c.GetHeader(InternalSecretHeader)
	if h.internalSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.internalSecret)) != 1 {
		apierror.Abort(c, apierror.New(apierror.CodeUnauthorized, "Invalid or missing X-INTERNAL-SECRET", ""))
		return
	}
	c.Next()
}

var (
	loopbackV4 = net.ParseIP("127.0.0.1")
	loopbackV6 = net.ParseIP("::1")
)

// isLoopback accepts 127.0.0.1, ::1 and the IPv4-mapped ::ffff:127.0.0.1.
func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && (ip.Equal(loopbackV4) || ip.Equal(loopbackV6))
}

// GetRun handles GET /tx/preflight/:run_id
func (h *Handler) GetRun(c *gin.Context) {
	entry, err := h.service.Lookup(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			apierror.Abort(c, apierror.New(apierror.CodeNotFound, "Preflight run not found", ""))
			return
		}
		logging.L(c.Request.Context()).Error("preflight lookup failed", "error", err)
		apierror.Abort(c, apierror.New(apierror.CodeInternal, "Failed to retrieve preflight run", ""))
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(entry.ResponseJSON))
}

// GetStatus handles GET /solana/status
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			apierror.Abort(c, apierror.New(apierror.CodeRPCUnavailable,
				"No network health data available. Worker may not have run yet.", ""))
			return
		}
		logging.L(c.Request.Context()).Error("status lookup failed", "error", err)
		apierror.Abort(c, apierror.New(apierror.CodeInternal, "Failed to retrieve network status", ""))
		return
	}
	c.JSON(http.StatusOK, status)
}

// DemoSample handles GET /demo/sample with a fixed example response.
func (h *Handler) DemoSample(c *gin.Context) {
	c.JSON(http.StatusOK, SampleResult(time.Now()))
}

// SampleResult is an illustrative evaluation: B2 and C1 triggered, score 55.
func SampleResult(now time.Time) *Result {
	return &Result{
		RequestID:      uuid.NewString(),
		ComputedAt:     snapshots.FormatTime(now),
		RuleSetVersion: rules.RuleSetVersion,
		RiskScore:      55,
		Flags: []rules.Flag{
			{Rule: "A1", Code: "SOL_BUFFER_LOW", Points: 15, Observed: 0.5, Threshold: 0.01, Source: rules.SourceSimulateResponse},
			{Rule: "A3", Code: "BLACKLISTED_PROGRAM", Points: 10, Observed: 0, Threshold: 1, Source: rules.SourceTransaction},
			{Rule: "B1", Code: "PRIORITY_FEE_SPIKE", Points: 20, Observed: 1.2, Threshold: 3.0, Source: rules.SourceNetHealthSnapshots},
			{Rule: "B2", Code: "RPC_DEGRADATION", Points: 30, Triggered: true, Observed: 0.08, Threshold: 0.03,
				Source: rules.SourceNetHealthSnapshots, Message: "RPC error rate exceeds threshold"},
			{Rule: "C1", Code: "ERROR_RATE_TREND", Points: 25, Triggered: true, Observed: 4.2, Threshold: 3.0,
				Source: rules.SourceNetHealthSnapshots, Message: "Error rate trending up rapidly (4.2x increase in 10 minutes)"},
		},
		Evidence: []rules.Evidence{
			{Metric: "rpc_error_rate_1m", Value: 0.08, Threshold: 0.03, Window: "1m", Source: rules.SourceNetHealthSnapshots},
			{Metric: "rpc_error_rate_trend_ratio", Value: 4.2, Threshold: 3.0, Window: "10m", Source: rules.SourceNetHealthSnapshots},
		},
	}
}

// DecodeResult parses a logged response_json back into a Result.
func DecodeResult(raw string) (*Result, error) {
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, err
	}
	return &res, nil
}
