package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callcore/internal/apperr"
	"callcore/internal/calls"
)

const twilioAPIBase = "https://api.twilio.com"

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// APIKeySID/APIKeySecret are preferred over the auth token for REST auth when set.
	APIKeySID    string
	APIKeySecret string

	// CallerID is the verified number calls are placed from.
	CallerID string

	// PublicBaseURL is where Twilio reaches our webhooks, e.g. https://api.example.com.
	PublicBaseURL string

	Record bool

	// BaseURL overrides the REST endpoint (tests).
	BaseURL    string
	HTTPClient *http.Client
}

// HTTPStatusError captures non-2xx Twilio responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Code       int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: unexpected status %d from %s: %d %s", e.StatusCode, e.URL, e.Code, e.Message)
}

var _ Provider = (*TwilioClient)(nil)

// TwilioClient is a focused Twilio REST client: place calls, read recordings.
type TwilioClient struct {
	cfg  TwilioConfig
	http *http.Client
}

func NewTwilioClient(cfg TwilioConfig) (*TwilioClient, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("telephony: twilio account sid is required")
	}
	if cfg.AuthToken == "" && (cfg.APIKeySID == "" || cfg.APIKeySecret == "") {
		return nil, errors.New("telephony: twilio auth token or api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioAPIBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &TwilioClient{cfg: cfg, http: hc}, nil
}

func (c *TwilioClient) Name() string { return "twilio" }

func (c *TwilioClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.accountPath(".json"), nil, nil)
}

// PlaceCall dials the counterpart. When they answer Twilio fetches the voice
// webhook, which bridges them to the owner's client identity.
func (c *TwilioClient) PlaceCall(ctx context.Context, req calls.PlaceCallRequest) (string, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", c.cfg.CallerID)
	form.Set("Url", c.webhookURL("/webhooks/twilio/voice", req.CallID))
	form.Set("StatusCallback", c.webhookURL("/webhooks/twilio/status", req.CallID))
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	if c.cfg.Record {
		form.Set("Record", "true")
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := c.do(ctx, http.MethodPost, c.accountPath("/Calls.json"), form, &out); err != nil {
		return "", err
	}
	if out.SID == "" {
		return "", fmt.Errorf("twilio: call created without sid: %w", apperr.ErrUpstreamUnavailable)
	}
	return out.SID, nil
}

type twilioRecording struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	URI    string `json:"uri"`
}

func (c *TwilioClient) LatestRecordingID(ctx context.Context, providerCallRef string) (string, error) {
	if providerCallRef == "" {
		return "", fmt.Errorf("twilio: call sid is required: %w", apperr.ErrInvalidArgument)
	}
	var out struct {
		Recordings []twilioRecording `json:"recordings"`
	}
	path := c.accountPath("/Calls/" + url.PathEscape(providerCallRef) + "/Recordings.json")
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	// Twilio lists newest first.
	for _, r := range out.Recordings {
		if r.Status == "completed" {
			return r.SID, nil
		}
	}
	if len(out.Recordings) > 0 {
		return "", fmt.Errorf("twilio: recording for %s still processing: %w", providerCallRef, apperr.ErrUpstreamUnavailable)
	}
	return "", fmt.Errorf("twilio: no recording for %s: %w", providerCallRef, apperr.ErrNotFound)
}

// FetchRecording returns the media URL of a completed recording.
func (c *TwilioClient) FetchRecording(ctx context.Context, providerRecordingID string) (string, error) {
	if providerRecordingID == "" {
		return "", fmt.Errorf("twilio: recording sid is required: %w", apperr.ErrInvalidArgument)
	}
	var rec twilioRecording
	path := c.accountPath("/Recordings/" + url.PathEscape(providerRecordingID) + ".json")
	if err := c.do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return "", err
	}
	if rec.Status != "" && rec.Status != "completed" {
		return "", fmt.Errorf("twilio: recording %s is %s: %w", providerRecordingID, rec.Status, apperr.ErrUpstreamUnavailable)
	}
	uri := rec.URI
	if uri == "" {
		uri = path
	}
	return c.cfg.BaseURL + strings.TrimSuffix(uri, ".json") + ".mp3", nil
}

func (c *TwilioClient) accountPath(suffix string) string {
	return "/2010-04-01/Accounts/" + url.PathEscape(c.cfg.AccountSID) + suffix
}

func (c *TwilioClient) webhookURL(path, callID string) string {
	return c.cfg.PublicBaseURL + path + "?call_id=" + url.QueryEscape(callID)
}

func (c *TwilioClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	endpoint := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("twilio: build request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKeySID != "" && c.cfg.APIKeySecret != "" {
		req.SetBasicAuth(c.cfg.APIKeySID, c.cfg.APIKeySecret)
	} else {
		req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Upstream("twilio: "+method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Upstream("twilio: read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(endpoint, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("twilio: decode response: %w: %w", apperr.ErrUpstreamUnavailable, err)
	}
	return nil
}

func classifyStatus(endpoint string, status int, raw []byte) error {
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	httpErr := &HTTPStatusError{StatusCode: status, URL: endpoint, Code: body.Code, Message: body.Message}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", apperr.ErrNotFound, httpErr)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %w", apperr.ErrUpstreamUnavailable, httpErr)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %w", apperr.ErrInvalidArgument, httpErr)
	default:
		return httpErr
	}
}
