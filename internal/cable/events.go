package cable

import "github.com/fixmate/chat-client/internal/chat"

// Events receives typed notifications from a Channel's read loop. Calls for
// one channel arrive in frame receipt order from a single goroutine; no
// reordering or coalescing happens below this interface.
type Events interface {
	// SubscriptionConfirmed fires when the broker acknowledges a subscribe
	// command for the booking.
	SubscriptionConfirmed(bookingID int64)

	// SubscriptionRejected fires when the broker refuses the subscription,
	// typically because the carried credential has no access to the booking.
	SubscriptionRejected(bookingID int64)

	// MessageReceived fires for every pushed chat message.
	MessageReceived(bookingID int64, msg chat.Message)

	// TransportClosed fires at most once, when the connection dies for any
	// reason other than an explicit Close call.
	TransportClosed(err error)
}
