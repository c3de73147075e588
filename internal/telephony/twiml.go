package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only the verbs the voice webhook answers with are modelled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlDial struct {
	XMLName        xml.Name     `xml:"Dial"`
	AnswerOnBridge bool         `xml:"answerOnBridge,attr,omitempty"`
	Client         *twimlClient `xml:"Client,omitempty"`
}

type twimlClient struct {
	Identity string `xml:",chardata"`
}

// VoiceAction is what the voice webhook tells Twilio to do with an answered leg.
type VoiceAction string

const (
	VoiceActionBridge VoiceAction = "bridge"
	VoiceActionReject VoiceAction = "reject"
	VoiceActionHangup VoiceAction = "hangup"
)

type VoiceResult struct {
	Action VoiceAction
	// Identity is the owner's client identity, required for bridge.
	Identity string
	// Message is spoken before hanging up, optional.
	Message string
}

// RenderTwiML maps a VoiceResult to TwiML.
func RenderTwiML(res VoiceResult) (string, error) {
	var r twimlResponse

	switch res.Action {
	case VoiceActionReject:
		r.Verbs = append(r.Verbs, twimlReject{Reason: "rejected"})
	case VoiceActionHangup:
		if strings.TrimSpace(res.Message) != "" {
			r.Verbs = append(r.Verbs, twimlSay{Text: res.Message})
		}
		r.Verbs = append(r.Verbs, twimlHangup{})
	case VoiceActionBridge:
		if strings.TrimSpace(res.Identity) == "" {
			return "", errors.New("telephony: identity required for bridge action")
		}
		r.Verbs = append(r.Verbs, twimlDial{
			AnswerOnBridge: true,
			Client:         &twimlClient{Identity: res.Identity},
		})
	default:
		return "", errors.New("telephony: unknown voice action")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
