// Package v1 defines the chat wire contract shared by the realtime client,
// the REST fallback client and the smoke tools.
//
// This package is intentionally stable and dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Version is the contract version identifier.
const Version = "v1"

// Broker destinations (wire-stable).
const (
	// DefaultChannelPathTemplate is the per-user inbound destination. %s is the channel id.
	DefaultChannelPathTemplate = "/direct-chat/%s"

	// DefaultPublishDestination is the application destination for outbound messages.
	DefaultPublishDestination = "/app/chat.sendMessage"

	// ContentTypeJSON is the content type used for published frames.
	ContentTypeJSON = "application/json"

	// HeaderClientMsgID carries a client-generated correlation id on published frames.
	HeaderClientMsgID = "client-msg-id"
)

var (
	// ErrMalformedPayload is the parent kind of every inbound decoding failure.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrEmptyBody is returned for frames without a body.
	ErrEmptyBody = fmt.Errorf("%w: empty body", ErrMalformedPayload)

	// ErrMissingID is returned for messages without an identifier.
	ErrMissingID = fmt.Errorf("%w: missing id", ErrMalformedPayload)
)

// ChannelDestination renders the inbound destination for channelID.
func ChannelDestination(template, channelID string) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultChannelPathTemplate
	}
	if !strings.Contains(template, "%s") {
		return strings.TrimRight(template, "/") + "/" + channelID
	}
	return fmt.Sprintf(template, channelID)
}

// ParseMessage decodes one inbound frame body into a Message.
// Every failure wraps ErrMalformedPayload.
func ParseMessage(body []byte) (Message, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return Message{}, ErrEmptyBody
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate performs structural validation for an inbound Message.
func (m Message) Validate() error {
	if m.ID.IsZero() {
		return ErrMissingID
	}
	return nil
}

// Validate performs structural validation for an outbound SendRequest.
func (r SendRequest) Validate() error {
	if r.ChatID.IsZero() {
		return errors.New("missing field: chatId")
	}
	if strings.TrimSpace(r.Content) == "" && r.AttachmentID.IsZero() && strings.TrimSpace(r.ImageURL) == "" {
		return errors.New("empty message: content, attachmentId or imageUrl required")
	}
	return nil
}

// Encode marshals a SendRequest the way both the broker and the send endpoint expect it.
func (r SendRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}
