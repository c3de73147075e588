package telephony

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioStatusForm captures the subset of status callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallID string // from our callback URL query

	CallSid        string
	AccountSid     string
	CallStatus     string
	SequenceNumber string
	Timestamp      string
	CallDuration   string
	RecordingSid   string
	ErrorCode      string
	From           string
	To             string
}

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallID:         strings.TrimSpace(r.URL.Query().Get("call_id")),
		CallSid:        r.PostFormValue("CallSid"),
		AccountSid:     r.PostFormValue("AccountSid"),
		CallStatus:     strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		SequenceNumber: r.PostFormValue("SequenceNumber"),
		Timestamp:      r.PostFormValue("Timestamp"),
		CallDuration:   r.PostFormValue("CallDuration"),
		RecordingSid:   r.PostFormValue("RecordingSid"),
		ErrorCode:      r.PostFormValue("ErrorCode"),
		From:           strings.TrimSpace(r.PostFormValue("From")),
		To:             strings.TrimSpace(r.PostFormValue("To")),
	}
	if f.CallSid == "" && f.CallID == "" {
		return TwilioStatusForm{}, errors.New("telephony: status callback without CallSid")
	}
	return f, nil
}

// ToStatusEvent normalizes the form. Twilio sequence numbers start at 0, so
// they are shifted by one to keep 0 meaning "no sequence". Unparseable
// timestamps fall back to receivedAt.
func (f TwilioStatusForm) ToStatusEvent(receivedAt time.Time) StatusEvent {
	ev := StatusEvent{
		CallID:          f.CallID,
		ProviderCallRef: f.CallSid,
		Status:          f.CallStatus,
		OccurredAt:      receivedAt.UTC(),
		RecordingID:     f.RecordingSid,
		ErrorCode:       f.ErrorCode,
	}
	if n, err := strconv.ParseInt(f.SequenceNumber, 10, 64); err == nil && n >= 0 {
		ev.Seq = n + 1
	}
	if ts, err := time.Parse(time.RFC1123Z, f.Timestamp); err == nil {
		ev.OccurredAt = ts.UTC()
	}
	if d, err := strconv.Atoi(f.CallDuration); err == nil && d >= 0 {
		ev.DurationSeconds = &d
	}
	return ev
}

// ValidateTwilioSignature checks X-Twilio-Signature against the public URL
// and the POST form. Twilio signs the first value of each field.
func ValidateTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	form := make(map[string]string, len(params))
	for k := range params {
		form[k] = params.Get(k)
	}
	v := twilioclient.NewRequestValidator(authToken)
	return v.Validate(fullURL, form, signature)
}
