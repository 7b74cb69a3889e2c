package settlement

import (
	"sync"

	"gitlab.com/arcanecrypto/dropbit/models/invitations"
	"gitlab.com/arcanecrypto/dropbit/models/transactions"
)

// EventKind is what happened
type EventKind string

const (
	// EventPaymentCompleted is sent once a payment is broadcast and recorded
	EventPaymentCompleted EventKind = "payment_completed"
	// EventInvitationSent is sent once the server acknowledged an invitation
	EventInvitationSent EventKind = "invitation_sent"
	// EventManualShareRequired is sent when the server created an
	// invitation but could not notify the receiver
	EventManualShareRequired EventKind = "manual_share_required"
	EventInvitationCanceled  EventKind = "invitation_canceled"
	// EventInvitationUpdated is sent when reconciliation changed an
	// invitation
	EventInvitationUpdated EventKind = "invitation_updated"
	// EventTransactionConfirmed is sent when a transaction is mined, or
	// moved to another block
	EventTransactionConfirmed EventKind = "transaction_confirmed"
)

// Event is a change the user should hear about
type Event struct {
	Kind         EventKind
	InvitationID *int64
	Txid         string
	Invitation   *invitations.Invitation
	Transaction  *transactions.Transaction
}

// Notifier receives events. Notify must not block.
type Notifier interface {
	Notify(event Event)
}

// NotifierFunc adapts a function to a Notifier
type NotifierFunc func(event Event)

// Notify implements Notifier
func (f NotifierFunc) Notify(event Event) {
	f(event)
}

// NopNotifier drops every event
type NopNotifier struct{}

// Notify implements Notifier
func (NopNotifier) Notify(Event) {}

// Recorder keeps every event it's notified of
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify implements Notifier
func (r *Recorder) Notify(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns the events received so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the events received so far, in order
func (r *Recorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
