// Package notify delivers reminder messages to a push channel.
//
// Delivery is fire-and-forget: a Ticket only says the channel accepted the
// message, no receipts are polled.
package notify

import (
	"context"
	"errors"
)

// ErrInvalidToken means the channel rejected the recipient address as
// malformed or no longer registered.
var ErrInvalidToken = errors.New("invalid push token")

// Message is one notification to a single recipient.
type Message struct {
	To    string
	Title string
	Body  string
	Data  any // JSON-encodable payload
	Sound string
}

// Ticket is the channel's acknowledgement of an accepted message.
type Ticket struct {
	ID string
}

// Notifier is the push delivery capability.
type Notifier interface {
	// ValidAddress reports whether addr looks like an address this channel accepts.
	ValidAddress(addr string) bool
	// Send attempts delivery once. Errors wrap ErrInvalidToken for rejected
	// addresses; anything else is a transport error.
	Send(ctx context.Context, m Message) (Ticket, error)
}

// Outcome classifies a Send result.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeInvalidToken
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeInvalidToken:
		return "invalid_token"
	default:
		return "transport_error"
	}
}

// OutcomeOf maps a Send error to its Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeDelivered
	case errors.Is(err, ErrInvalidToken):
		return OutcomeInvalidToken
	default:
		return OutcomeTransportError
	}
}
