package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"marketplace-calls/internal/auth"
	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/presence"
	"marketplace-calls/internal/rbac"
	"marketplace-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the slice of the call coordinator the HTTP layer uses.
type CallService interface {
	InitiateCall(ctx context.Context, req calls.InitiateRequest) (string, error)
	AcceptCall(ctx context.Context, callID, acceptedBy string) error
	RejectCall(ctx context.Context, callID, rejectedBy string, reason calls.RejectReason) (calls.Outcome, error)
	EndCall(ctx context.Context, callID, endedBy string, durationSeconds int, reason calls.EndReason) (calls.Outcome, error)
	GetCall(ctx context.Context, callID, userID string) (calls.CallRecord, error)
	ListOrderCalls(ctx context.Context, orderID, userID, role string, limit int) ([]calls.CallRecord, error)
}

// PresenceService is the slice of the presence tracker the HTTP layer uses.
type PresenceService interface {
	UpdatePresence(ctx context.Context, userID string, device presence.DeviceType, hint string) error
	MarkOffline(ctx context.Context, userID string) error
	IsOnlineMany(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Calls    CallService
	Presence PresenceService

	// AllowDevTokens enables IssueDevToken outside production.
	AllowDevTokens bool
}

const maxPresenceQuery = 100

// --- Auth ---

type devTokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueDevToken mints an access token for local testing.
//
// NOTE: Real tokens come from the marketplace identity service; this endpoint
// does not check credentials and is disabled in production.
func (h Handlers) IssueDevToken(c *gin.Context) {
	if h.Auth == nil || !h.AllowDevTokens {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.IsParty(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and role (customer|agent) required"})
		return
	}
	tok, err := h.Auth.IssueAccess(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}

// --- Calls ---

type initiateCallRequest struct {
	OrderID        string `json:"order_id"`
	RecipientID    string `json:"recipient_id"`
	ConnectionHint string `json:"connection_hint,omitempty"`
}

func (h Handlers) InitiateCall(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	var req initiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OrderID == "" || req.RecipientID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "order_id and recipient_id required"})
		return
	}

	callID, err := h.Calls.InitiateCall(c.Request.Context(), calls.InitiateRequest{
		OrderID:        req.OrderID,
		CallerID:       userID,
		CallerType:     calls.PartyType(role),
		RecipientID:    req.RecipientID,
		RecipientType:  calls.PartyType(rbac.Counterpart(role)),
		CallerConnHint: req.ConnectionHint,
	})
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call_id": callID})
}

func (h Handlers) AcceptCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	if err := h.Calls.AcceptCall(c.Request.Context(), c.Param("id"), userID); err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

type rejectCallRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) RejectCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	var req rejectCallRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	out, err := h.Calls.RejectCall(c.Request.Context(), c.Param("id"), userID, calls.RejectReason(req.Reason))
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type endCallRequest struct {
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

func (h Handlers) EndCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	var req endCallRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	out, err := h.Calls.EndCall(c.Request.Context(), c.Param("id"), userID, req.Duration, calls.EndReason(req.Reason))
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) GetCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	rec, err := h.Calls.GetCall(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) ListOrderCalls(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := h.Calls.ListOrderCalls(c.Request.Context(), c.Param("id"), userID, role, limit)
	if err != nil {
		writeCallError(c, err)
		return
	}
	if recs == nil {
		recs = []calls.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

// --- Presence ---

type heartbeatRequest struct {
	DeviceType     string `json:"device_type"`
	ConnectionHint string `json:"connection_hint,omitempty"`
}

func (h Handlers) Heartbeat(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	var req heartbeatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	err := h.Presence.UpdatePresence(c.Request.Context(), userID, presence.ParseDeviceType(req.DeviceType), req.ConnectionHint)
	if err != nil {
		logger.FromGin(c).Error("presence update failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) Signoff(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	if err := h.Presence.MarkOffline(c.Request.Context(), userID); err != nil {
		logger.FromGin(c).Error("presence signoff failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) QueryPresence(c *gin.Context) {
	ids := c.QueryArray("user_id")
	if len(ids) == 0 || len(ids) > maxPresenceQuery {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "between 1 and 100 user_id values required"})
		return
	}
	res, err := h.Presence.IsOnlineMany(c.Request.Context(), ids)
	if err != nil {
		logger.FromGin(c).Error("presence query failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": res})
}

// --- helpers ---

func identity(c *gin.Context) (string, string, bool) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return id.UserID, id.Role, true
}

// writeCallError maps coordinator errors to HTTP responses. Request
// rejections carry their reason; anything unexpected is a 500 with no detail.
func writeCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrNotAuthorized), errors.Is(err, calls.ErrNotParticipant):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrInvalidCallID), errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case calls.IsRequestRejected(err):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrSessionResolved):
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrStoreUnavailable):
		logger.FromGin(c).Error("call store unavailable", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	default:
		logger.FromGin(c).Error("call operation failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
