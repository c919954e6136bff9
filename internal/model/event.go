package model

import "time"

// EventKind discriminates decrypted callback events.
type EventKind string

// Event kinds produced by the callback handler.
const (
	EventImageMessage EventKind = "image_message"
	EventTextCommand  EventKind = "text_command"
	EventCardResponse EventKind = "card_response"
	EventOther        EventKind = "other"
)

// CardAction is the user's choice on a confirmation card.
type CardAction string

// Card actions carried by card response events.
const (
	ActionConfirm CardAction = "confirm"
	ActionCancel  CardAction = "cancel"
)

// Event is a decrypted, classified callback delivery. Only the fields
// relevant to the Kind are populated. Events are consumed once and never
// persisted.
type Event struct {
	CreatedAt time.Time
	Kind      EventKind
	UserID    string
	MsgID     string
	MediaID   string // image messages
	Content   string // text commands
	SessionID string // card responses
	Action    CardAction
}
