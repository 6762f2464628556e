package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/ingestion-relay/internal/logging"
	"github.com/PratikDhanave/ingestion-relay/internal/metrics"
	"github.com/PratikDhanave/ingestion-relay/internal/models"
	"github.com/PratikDhanave/ingestion-relay/internal/ratelimit"
	"github.com/PratikDhanave/ingestion-relay/internal/validator"
)

// Client-facing messages for non-validation failures.
const (
	msgRateLimited = "Too many requests."
	msgAuditFailed = "Request could not be recorded."
)

// RequestRecorder writes inbound_requests rows.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, req *models.InboundRequest) (int64, error)
}

// Submitter hands an accepted event to delivery.
type Submitter interface {
	Submit(ctx context.Context, requestID int64, ev *models.ParsedEvent) error
}

// EventDeps are the collaborators of the ingest endpoint.
type EventDeps struct {
	Store        RequestRecorder
	Pipeline     Submitter
	Validator    *validator.Validator
	Limiter      ratelimit.Limiter
	MaxBodyBytes int64
	Logger       *logging.Logger
}

// RegisterEventRoutes registers the ingestion endpoint.
//
// POST /
//   - 400 text/plain with the reason for unparsable, non-compliant or
//     seconds-based bodies; the request is still audited
//   - 200 only after the accepted request is audited; delivery is asynchronous
//   - 500 when the accepted request cannot be audited; nothing is delivered
//   - 429 when the per-IP rate limit is exceeded
func RegisterEventRoutes(r gin.IRoutes, deps EventDeps) {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NoOpLimiter{}
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}

	r.POST("/", func(c *gin.Context) {
		ctx := c.Request.Context()
		ip := c.ClientIP()
		log := deps.Logger.WithContext(ctx).With(logging.IP(ip))

		body, err := readBody(c.Request.Body, deps.MaxBodyBytes)
		if err != nil {
			log.Warn("Failed to read request body", logging.Error(err))
		}
		metrics.RequestBytesTotal.Add(float64(len(body)))

		allowed, err := deps.Limiter.Allow(ctx, ip)
		if err != nil {
			// Fail open.
			log.Warn("Rate limit check failed", logging.Error(err))
			allowed = true
		}
		if !allowed {
			c.String(http.StatusTooManyRequests, msgRateLimited)
			c.Writer.Flush()
			metrics.RequestsTotal.WithLabelValues("rate_limited").Inc()
			audit(ctx, deps.Store, log, &models.InboundRequest{
				IPAddress: ip, ResponseCode: http.StatusTooManyRequests, RawData: string(body),
			})
			return
		}

		parsed, err := deps.Validator.Validate(body)
		if err != nil {
			reason := validator.ReasonParse
			if rej, ok := validator.AsRejection(err); ok {
				reason = rej.Reason()
			}
			c.String(http.StatusBadRequest, reason)
			c.Writer.Flush()
			metrics.RequestsTotal.WithLabelValues(rejectionOutcome(err)).Inc()
			log.Info("Request rejected", logging.Error(err))
			audit(ctx, deps.Store, log, &models.InboundRequest{
				IPAddress: ip, ResponseCode: http.StatusBadRequest, RawData: string(body),
			})
			return
		}

		requestID, err := deps.Store.RecordRequest(ctx, &models.InboundRequest{
			IPAddress:    ip,
			ResponseCode: http.StatusOK,
			RawData:      string(body),
			Parsed:       parsed,
		})
		if err != nil {
			log.Error("Failed to record accepted request", logging.Error(err))
			metrics.RequestsTotal.WithLabelValues("audit_failed").Inc()
			c.String(http.StatusInternalServerError, msgAuditFailed)
			return
		}

		c.String(http.StatusOK, "")
		metrics.RequestsTotal.WithLabelValues("accepted").Inc()
		log.Info("Request accepted", logging.AuditID(requestID), logging.TrackerKey(parsed.Key().String()))

		// Submit logs and audits its own failures.
		_ = deps.Pipeline.Submit(ctx, requestID, parsed)
	})
}

// readBody reads at most limit bytes. Anything beyond is dropped, which makes
// an oversized JSON body fail parsing.
func readBody(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if limit > 0 {
		body = io.LimitReader(body, limit)
	}
	return io.ReadAll(body)
}

// audit records a rejected request. Failures are logged only; the response
// has already been flushed to the client.
func audit(ctx context.Context, st RequestRecorder, log *slog.Logger, req *models.InboundRequest) {
	requestID, err := st.RecordRequest(context.WithoutCancel(ctx), req)
	if err != nil {
		log.Error("Failed to record rejected request", logging.Status(req.ResponseCode), logging.Error(err))
		return
	}
	log.Debug("Rejected request recorded", logging.AuditID(requestID), logging.Status(req.ResponseCode))
}

func rejectionOutcome(err error) string {
	var (
		parseErr  *validator.ParseError
		schemaErr *validator.SchemaError
		tsErr     *validator.TimestampUnitError
	)
	switch {
	case errors.As(err, &parseErr):
		return "rejected_parse"
	case errors.As(err, &schemaErr):
		return "rejected_schema"
	case errors.As(err, &tsErr):
		return "rejected_timestamp"
	default:
		return "rejected"
	}
}
