// Package relay pairs messages forwarded by the connection-holding process
// with replies generated asynchronously by a stateless responder.
//
// Connector side: Forwarder posts a ForwardRequest and parks the trigger in a
// pending table keyed by correlation id until the responder calls back with a
// ResponsePayload or the wait times out.
//
// Responder side: Responder accepts ForwardRequests, generates a reply on a
// bounded worker pool and posts the ResponsePayload to the callback URL.
package relay

import (
	"errors"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

// TokenHeader carries the shared secret on both relay directions.
const TokenHeader = "X-Relay-Token"

var (
	// ErrCorrelationTimeout means no response arrived in time. The trigger is
	// abandoned and not retried.
	ErrCorrelationTimeout = errors.New("relay correlation timed out")

	// ErrAlreadyPending means the message was already forwarded.
	ErrAlreadyPending = errors.New("message already forwarded")

	// ErrNoResponse means the responder answered without text.
	ErrNoResponse = errors.New("responder returned no response")

	// ErrDuplicate means the responder already accepted this correlation id.
	ErrDuplicate = errors.New("duplicate forward")

	// ErrBusy means the responder's queue is full.
	ErrBusy = errors.New("responder busy")
)

// ForwardRequest is the connector → responder payload.
type ForwardRequest struct {
	MessageID     string `json:"message_id" validate:"required,numeric"`
	ScopeID       string `json:"scope_id" validate:"required"`
	AuthorID      string `json:"author_id" validate:"required"`
	AuthorName    string `json:"author_name,omitempty"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id" validate:"required"`
	CallbackURL   string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

// ResponsePayload is the responder → connector payload. A nil ResponseText
// means generation failed.
type ResponsePayload struct {
	CorrelationID string  `json:"correlation_id" validate:"required"`
	ResponseText  *string `json:"response_text"`
	Model         string  `json:"model,omitempty"`
}

// Trigger rebuilds the inbound message carried by the request.
func (r ForwardRequest) Trigger() (bus.InboundMessage, error) {
	id, err := bus.ParseMessageID(r.MessageID)
	if err != nil {
		return bus.InboundMessage{}, err
	}
	return bus.InboundMessage{
		ID:         id,
		Scope:      bus.Scope(r.ScopeID),
		AuthorID:   r.AuthorID,
		AuthorName: r.AuthorName,
		Content:    r.Content,
	}, nil
}
