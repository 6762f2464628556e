package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/ingestion-relay/internal/models"
	"github.com/PratikDhanave/ingestion-relay/internal/store"
)

// AuditReader reads the audit log back.
type AuditReader interface {
	GetRequest(ctx context.Context, requestID int64) (*models.StoredRequest, error)
	ListAttempts(ctx context.Context, requestID int64) ([]models.DeliveryAttempt, error)
}

type requestView struct {
	RequestID              int64      `json:"request_id"`
	ReceivedAt             time.Time  `json:"received_timestamp"`
	IPAddress              string     `json:"ip_address"`
	ResponseCode           int        `json:"response_code"`
	Env                    *string    `json:"environment"`
	Namespace              *string    `json:"namespace"`
	AppID                  *string    `json:"app_id"`
	DeviceCreatedTimestamp *int64     `json:"dvce_created_tstamp"`
	Attempts               []attempt  `json:"attempts"`
	Delivered              bool       `json:"delivered"`
	LastAttemptAt          *time.Time `json:"last_attempt_at,omitempty"`
}

type attempt struct {
	AttemptID     int64     `json:"attempt_id"`
	SentAt        time.Time `json:"sent_timestamp"`
	ResponseCode  int       `json:"response_code"`
	AttemptNumber int       `json:"attempt_number"`
	Abandoned     bool      `json:"abandoned"`
}

// RegisterRequestRoutes registers the audit lookup endpoint.
//
// GET /requests/:id
//   - Returns the inbound request and its delivery attempts in insertion order
//   - Placeholder rows of requests that never reached a collector are omitted
func RegisterRequestRoutes(r gin.IRoutes, st AuditReader) {
	r.GET("/requests/:id", func(c *gin.Context) {
		requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || requestID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
			return
		}

		req, err := st.GetRequest(c.Request.Context(), requestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}

		attempts, err := st.ListAttempts(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}

		c.JSON(http.StatusOK, newRequestView(req, attempts))
	})
}

func newRequestView(req *models.StoredRequest, attempts []models.DeliveryAttempt) requestView {
	view := requestView{
		RequestID:    req.ID,
		ReceivedAt:   req.ReceivedAt.UTC(),
		IPAddress:    req.IPAddress,
		ResponseCode: req.ResponseCode,
		Env:          req.Env,
		Namespace:    req.Namespace,
		AppID:        req.AppID,
		Attempts:     []attempt{},
	}
	if req.DeviceCreatedTimestamp != nil {
		ms := req.DeviceCreatedTimestamp.UnixMilli()
		view.DeviceCreatedTimestamp = &ms
	}

	for _, a := range attempts {
		if a.AttemptNumber == 0 {
			continue
		}
		view.Attempts = append(view.Attempts, attempt{
			AttemptID:     a.ID,
			SentAt:        a.SentAt.UTC(),
			ResponseCode:  a.ResponseCode,
			AttemptNumber: a.AttemptNumber,
			Abandoned:     a.Abandoned,
		})
		if a.ResponseCode == http.StatusOK {
			view.Delivered = true
		}
		sentAt := a.SentAt.UTC()
		view.LastAttemptAt = &sentAt
	}

	return view
}
