package telephony

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"callcore/internal/apperr"
	"callcore/internal/calls"
	"callcore/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallMachine is the part of calls.Machine the webhooks drive.
type CallMachine interface {
	Get(ctx context.Context, callID string) (calls.Session, error)
	Apply(ctx context.Context, callID string, ev calls.Event) (calls.Session, error)
	ApplyProvider(ctx context.Context, providerRef string, ev calls.Event) (calls.Session, error)
	BindProviderRef(ctx context.Context, callID, ref string) (calls.Session, error)
}

// TwilioWebhookHandler converts Twilio webhooks into call events and TwiML.
//
// No business logic here. Acknowledgement policy for status callbacks:
//   - rejected or stale events are logged and acknowledged so Twilio stops retrying;
//   - upstream failures answer 503 so Twilio retries;
//   - anything else answers 500.
type TwilioWebhookHandler struct {
	Calls CallMachine
	Now   func() time.Time
}

func (h TwilioWebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call machine not configured"})
		return
	}

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		log.Warn("twilio status parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	se := form.ToStatusEvent(h.Now())
	log = logger.ForCall(log, se.CallID).With("call_sid", se.ProviderCallRef, "call_status", se.Status, "seq", se.Seq)

	ev, ok := se.Event()
	if !ok {
		log.Debug("twilio status ignored")
		c.Status(http.StatusNoContent)
		return
	}

	ctx := c.Request.Context()
	if se.CallID != "" && se.ProviderCallRef != "" {
		// Callbacks can beat Initiate's own bind.
		if _, err := h.Calls.BindProviderRef(ctx, se.CallID, se.ProviderCallRef); err != nil {
			if apperr.IsUpstream(err) {
				log.Error("bind provider ref failed", "err", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "retry"})
				return
			}
			log.Warn("bind provider ref rejected", "err", err)
		}
	}

	var s calls.Session
	if se.CallID != "" {
		s, err = h.Calls.Apply(ctx, se.CallID, ev)
	} else {
		s, err = h.Calls.ApplyProvider(ctx, se.ProviderCallRef, ev)
	}

	switch {
	case err == nil:
		log.Debug("twilio status applied", "state", s.State)
		c.Status(http.StatusNoContent)
	case errors.Is(err, apperr.ErrInvalidTransition),
		errors.Is(err, apperr.ErrInvalidState),
		errors.Is(err, apperr.ErrInvalidArgument),
		errors.Is(err, apperr.ErrNotFound):
		log.Warn("twilio status rejected", "state", s.State, "err", err)
		c.Status(http.StatusOK)
	case apperr.IsUpstream(err):
		log.Error("twilio status deferred", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "retry"})
	default:
		log.Error("twilio status failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

// HandleVoice answers Twilio's fetch for an answered outbound leg by bridging
// it to the owner's client identity.
func (h TwilioWebhookHandler) HandleVoice(c *gin.Context) {
	callID := strings.TrimSpace(c.Query("call_id"))
	log := logger.ForCall(logger.FromGin(c), callID)

	res := VoiceResult{Action: VoiceActionReject}
	if callID != "" && h.Calls != nil {
		s, err := h.Calls.Get(c.Request.Context(), callID)
		switch {
		case err != nil:
			log.Warn("voice webhook for unknown call", "err", err)
		case s.State.Terminal():
			res = VoiceResult{Action: VoiceActionHangup, Message: "This call has ended."}
		default:
			res = VoiceResult{Action: VoiceActionBridge, Identity: s.OwnerUserID}
		}
	}

	twiml, err := RenderTwiML(res)
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// RequireTwilioSignature rejects webhook requests whose X-Twilio-Signature
// does not match. An empty auth token disables the check (local runs).
func RequireTwilioSignature(authToken, publicBaseURL string) gin.HandlerFunc {
	publicBaseURL = strings.TrimRight(publicBaseURL, "/")
	return func(c *gin.Context) {
		if authToken == "" {
			c.Next()
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}
		fullURL := publicBaseURL + c.Request.URL.RequestURI()
		if !ValidateTwilioSignature(authToken, fullURL, c.Request.PostForm, c.GetHeader("X-Twilio-Signature")) {
			logger.FromGin(c).Warn("twilio signature mismatch", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
