package domain

import "time"

// MessageKind classifies an inbound channel message.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindAudio       MessageKind = "audio"
	KindImage       MessageKind = "image"
	KindStatus      MessageKind = "status"
	KindUnsupported MessageKind = "unsupported"
)

// MediaRef is an opaque provider media reference.
type MediaRef struct {
	ID       string
	MIMEType string
}

type InboundMessage struct {
	ID        string
	Address   string // sender phone number, provider format
	Kind      MessageKind
	Text      string
	Media     *MediaRef // set for audio and image
	Timestamp time.Time
}

// HasMedia reports whether the message carries a fetchable media reference.
func (m InboundMessage) HasMedia() bool {
	return m.Media != nil && m.Media.ID != ""
}

type OutboundMessage struct {
	To   string
	Text string
}
