package call

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"heartlink-backend/internal/domain"
	"heartlink-backend/internal/service/call"
	"heartlink-backend/internal/service/signal"
	apperrors "heartlink-backend/pkg/errors"
	"heartlink-backend/pkg/pagination"
	"heartlink-backend/pkg/response"
)

// Handler handles call lifecycle and signaling HTTP requests
type Handler struct {
	callService   *call.Service
	signalService *signal.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service, signalService *signal.Service) *Handler {
	return &Handler{
		callService:   callService,
		signalService: signalService,
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	MatchID  string `json:"match_id" binding:"required,uuid"`
	CallType string `json:"call_type" binding:"required"`
}

// SignalRequest carries one WebRTC signaling exchange
type SignalRequest struct {
	SignalType string          `json:"signal_type" binding:"required"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
}

// InitiateCall starts a new ringing call on a match
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	callerID, ok := currentUserID(c)
	if !ok {
		return
	}

	matchID, err := uuid.Parse(req.MatchID)
	if err != nil {
		response.BadRequest(c, "Invalid match ID")
		return
	}

	created, err := h.callService.Initiate(c.Request.Context(), callerID, matchID, domain.CallType(req.CallType))
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, created)
}

// AcceptCall transitions a ringing call to ongoing
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	callID, ok := pathCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	updated, err := h.callService.Accept(c.Request.Context(), userID, callID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// DeclineCall rejects a ringing call
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	callID, ok := pathCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	updated, err := h.callService.Decline(c.Request.Context(), userID, callID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// EndCall terminates a call. Ending an already-terminated call returns the
// current state, so double hang-ups are not errors.
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, ok := pathCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	updated, err := h.callService.End(c.Request.Context(), userID, callID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// Signal relays a WebRTC signaling payload to the other participant
// POST /v1/calls/:id/signal
func (h *Handler) Signal(c *gin.Context) {
	callID, ok := pathCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	err := h.signalService.Relay(c.Request.Context(), userID, callID, domain.EventType(req.SignalType), req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"relayed": true,
		"call_id": callID,
	})
}

// GetCall retrieves a single call, visible only to its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, ok := pathCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	found, err := h.callService.GetCall(c.Request.Context(), userID, callID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, found)
}

// GetCallEvents returns a call's event stream in creation order
// GET /v1/calls/:id/events
func (h *Handler) GetCallEvents(c *gin.Context) {
	callID, ok := pathCallID(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.BadRequest(c, "Invalid pagination parameters")
		return
	}

	events, err := h.signalService.Events(c.Request.Context(), userID, callID, params.Limit, params.Offset)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.BuildPaginationResponse(params, events))
}

// GetCallHistory returns the user's calls, newest first
// GET /v1/calls
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.BadRequest(c, "Invalid pagination parameters")
		return
	}

	calls, err := h.callService.History(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.BuildPaginationResponse(params, calls))
}

// GetActiveCall returns the ringing or ongoing call on a match, if any
// GET /v1/matches/:match_id/calls/active
func (h *Handler) GetActiveCall(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("match_id"))
	if err != nil {
		response.BadRequest(c, "Invalid match ID")
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	active, err := h.callService.ActiveForMatch(c.Request.Context(), userID, matchID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"active": active != nil,
		"call":   active,
	})
}

func pathCallID(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
}
