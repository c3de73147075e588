package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"callcore/internal/apperr"
	"callcore/internal/assist"
	"callcore/internal/auth"
	"callcore/internal/calls"
	"callcore/internal/rbac"
	"callcore/internal/reporting"
	"callcore/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the part of calls.Machine the client API drives.
type CallService interface {
	Initiate(ctx context.Context, req calls.CreateRequest) (calls.Session, error)
	Get(ctx context.Context, callID string) (calls.Session, error)
	Apply(ctx context.Context, callID string, ev calls.Event) (calls.Session, error)
	SetQualityScore(ctx context.Context, callID string, score float64) (calls.Session, error)
}

type TokenService interface {
	Issue(ctx context.Context, userID string) (auth.SessionToken, error)
	Redeem(ctx context.Context, raw, userID string) (auth.SessionToken, error)
}

type AssistService interface {
	AppendTranscript(ctx context.Context, callID, speaker, text string) error
	RequestSuggestion(ctx context.Context, callID string) (assist.Suggestion, error)
	Turns(callID string) ([]assist.Turn, error)
}

type EnrichmentService interface {
	Run(ctx context.Context, callID string) (calls.Session, error)
}

type AuditLog interface {
	LogQualityScore(ctx context.Context, callID, actorUserID, actorRole, ip string, score float64) error
	LogAdminAction(ctx context.Context, callID, actorUserID, actorRole, ip, message string) error
}

type ReportService interface {
	CallsSummary(ctx context.Context, req reporting.CallsSummaryRequest) (reporting.CallsSummary, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth       *auth.Manager
	Tokens     TokenService
	Calls      CallService
	Assist     AssistService
	Enrichment EnrichmentService
	Audit      AuditLog
	Reports    ReportService

	// DevLogin serves Login, which mints tokens without credentials.
	// Only local and dev environments turn it on.
	DevLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair for any user and role. It does not check
// credentials and answers 404 unless DevLogin is set.
func (h Handlers) Login(c *gin.Context) {
	if !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a known role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Calls ---

// IssueSessionToken mints a single-use provider token for the caller's own identity.
func (h Handlers) IssueSessionToken(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	st, err := h.Tokens.Issue(c.Request.Context(), uid)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

type initiateCallRequest struct {
	CounterpartAddress string `json:"counterpart_address"`
	SessionToken       string `json:"session_token"`
}

// InitiateCall redeems the session token and starts a call owned by the caller.
func (h Handlers) InitiateCall(c *gin.Context) {
	var req initiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.CounterpartAddress) == "" || req.SessionToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "counterpart_address and session_token required"})
		return
	}
	ctx := c.Request.Context()
	uid, _ := auth.UserID(ctx)

	if _, err := h.Tokens.Redeem(ctx, req.SessionToken, uid); err != nil {
		respondErr(c, err)
		return
	}
	s, err := h.Calls.Initiate(ctx, calls.CreateRequest{OwnerUserID: uid, CounterpartAddress: req.CounterpartAddress})
	if err != nil {
		respondErr(c, err)
		return
	}
	logger.ForCall(logger.FromGin(c), s.ID).Info("call initiated", "state", s.State)
	c.JSON(http.StatusCreated, s)
}

func (h Handlers) GetCall(c *gin.Context) {
	s, ok := h.loadCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s)
}

type endCallRequest struct {
	DurationSeconds *int `json:"duration_seconds,omitempty"`
}

// EndCall is the client or agent end request.
func (h Handlers) EndCall(c *gin.Context) {
	s, ok := h.loadCall(c)
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
	if req.DurationSeconds != nil && *req.DurationSeconds < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "duration_seconds must not be negative"})
		return
	}

	role, _ := auth.Role(c.Request.Context())
	source := calls.SourceClient
	if role != rbac.RoleCaller {
		source = calls.SourceAgent
	}
	out, err := h.Calls.Apply(c.Request.Context(), s.ID, calls.Event{
		Type:                    calls.EventEnd,
		Source:                  source,
		ReportedDurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type qualityRequest struct {
	Score *float64 `json:"score"`
}

// SetQuality records the call's quality score. RBAC: agent, supervisor.
func (h Handlers) SetQuality(c *gin.Context) {
	s, ok := h.loadCall(c)
	if !ok {
		return
	}
	var req qualityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Score == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "score required"})
		return
	}
	ctx := c.Request.Context()
	out, err := h.Calls.SetQualityScore(ctx, s.ID, *req.Score)
	if err != nil {
		respondErr(c, err)
		return
	}
	if h.Audit != nil {
		uid, _ := auth.UserID(ctx)
		role, _ := auth.Role(ctx)
		if err := h.Audit.LogQualityScore(ctx, s.ID, uid, role, c.ClientIP(), *req.Score); err != nil {
			logger.ForCall(logger.FromGin(c), s.ID).Warn("audit quality score failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, out)
}

// --- Assist ---

type transcriptRequest struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

func (h Handlers) AppendTranscript(c *gin.Context) {
	s, ok := h.loadCall(c)
	if !ok {
		return
	}
	var req transcriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Assist.AppendTranscript(c.Request.Context(), s.ID, req.Speaker, req.Text); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h Handlers) GetTranscript(c *gin.Context) {
	s, ok := h.loadCall(c)
	if !ok {
		return
	}
	turns, err := h.Assist.Turns(s.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": s.ID, "turns": turns})
}

func (h Handlers) RequestSuggestion(c *gin.Context) {
	s, ok := h.loadCall(c)
	if !ok {
		return
	}
	sug, err := h.Assist.RequestSuggestion(c.Request.Context(), s.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sug)
}

// --- Supervisor ---

// RerunEnrichment retries post-call enrichment. RBAC: supervisor.
func (h Handlers) RerunEnrichment(c *gin.Context) {
	s, ok := h.loadCall(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if h.Audit != nil {
		uid, _ := auth.UserID(ctx)
		role, _ := auth.Role(ctx)
		if err := h.Audit.LogAdminAction(ctx, s.ID, uid, role, c.ClientIP(), "enrichment re-run requested"); err != nil {
			logger.ForCall(logger.FromGin(c), s.ID).Warn("audit admin action failed", "err", err)
		}
	}
	out, err := h.Enrichment.Run(ctx, s.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// CallsReport summarizes calls requested in [from, to). Callers only see
// their own calls; supervisors may filter by owner_user_id.
func (h Handlers) CallsReport(c *gin.Context) {
	from, errFrom := time.Parse(time.RFC3339, c.Query("from"))
	to, errTo := time.Parse(time.RFC3339, c.Query("to"))
	if errFrom != nil || errTo != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339 timestamps"})
		return
	}
	ctx := c.Request.Context()
	uid, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)

	owner := c.Query("owner_user_id")
	if !rbac.CanReadAnyCall(role) {
		owner = uid
	}
	out, err := h.Reports.CallsSummary(ctx, reporting.CallsSummaryRequest{
		OwnerUserID: owner,
		Range:       reporting.TimeRange{From: from, To: to},
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// loadCall fetches the :call_id session and enforces ownership. Calls owned
// by someone else are reported as not found unless the role may read any call.
func (h Handlers) loadCall(c *gin.Context) (calls.Session, bool) {
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return calls.Session{}, false
	}
	ctx := c.Request.Context()
	s, err := h.Calls.Get(ctx, callID)
	if err != nil {
		respondErr(c, err)
		return calls.Session{}, false
	}
	uid, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	if s.OwnerUserID != uid && !rbac.CanReadAnyCall(role) {
		respondErr(c, apperr.ErrNotFound)
		return calls.Session{}, false
	}
	return s, true
}
