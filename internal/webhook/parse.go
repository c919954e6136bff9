package webhook

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/xiaohaiyan/shoebox/internal/model"
)

// encryptedEnvelope is the outer XML the platform posts: everything of
// interest lives in the Encrypt element.
type encryptedEnvelope struct {
	XMLName xml.Name `xml:"xml"`
	Encrypt string   `xml:"Encrypt"`
}

// inboundMessage is the decrypted inner XML. Fields beyond the common set
// are only present for their message type.
type inboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	Content      string   `xml:"Content"`
	MediaID      string   `xml:"MediaId"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
}

// parseEnvelope extracts the encrypted body from a POST delivery.
func parseEnvelope(body []byte) (string, error) {
	var envelope encryptedEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("malformed envelope XML: %w", err)
	}
	if envelope.Encrypt == "" {
		return "", fmt.Errorf("envelope has no Encrypt element")
	}
	return envelope.Encrypt, nil
}

// classify decodes a decrypted message into a domain event. Unknown message
// types classify as Other and are acknowledged without side effects.
func classify(plain []byte) (model.Event, error) {
	var msg inboundMessage
	if err := xml.Unmarshal(plain, &msg); err != nil {
		return model.Event{}, fmt.Errorf("malformed message XML: %w", err)
	}

	event := model.Event{
		UserID:    msg.FromUserName,
		MsgID:     msg.MsgID,
		CreatedAt: time.Unix(msg.CreateTime, 0),
	}

	switch msg.MsgType {
	case "image":
		event.Kind = model.EventImageMessage
		event.MediaID = msg.MediaID
	case "text":
		event.Kind = model.EventTextCommand
		event.Content = strings.TrimSpace(msg.Content)
	case "event":
		if msg.Event != "click" {
			event.Kind = model.EventOther
			break
		}
		action, sessionID, ok := parseEventKey(msg.EventKey)
		if !ok {
			event.Kind = model.EventOther
			break
		}
		event.Kind = model.EventCardResponse
		event.Action = action
		event.SessionID = sessionID
	default:
		event.Kind = model.EventOther
	}

	return event, nil
}

// parseEventKey understands "confirm", "cancel", and the session-qualified
// "confirm:<session_id>" / "cancel:<session_id>" forms. Card variants that
// cannot carry a session id fall back to latest-pending correlation.
func parseEventKey(key string) (model.CardAction, string, bool) {
	action, sessionID, _ := strings.Cut(key, ":")
	switch action {
	case "confirm":
		return model.ActionConfirm, sessionID, true
	case "cancel":
		return model.ActionCancel, sessionID, true
	default:
		return "", "", false
	}
}
