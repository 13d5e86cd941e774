package ticket

import "time"

// Direction identifies which side of the conversation produced an activity.
type Direction string

const (
	DirectionCustomer Direction = "customer"
	DirectionAgent    Direction = "agent"
)

// Channel identifies how an activity reached the helpdesk.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelPortal Channel = "portal"
	ChannelPhone  Channel = "phone"
	ChannelNote   Channel = "note"
)

// Ref identifies one unit of work for the engine. Marker is an opaque
// remote-supplied token; equal markers mean the remote ticket has not
// relevantly changed since it was last observed.
type Ref struct {
	ID         string
	Number     string
	AssigneeID string
	Marker     string
}

// Activity is a single message-like item on a ticket.
type Activity struct {
	ID        string
	Direction Direction
	Channel   Channel
	Body      string
	CreatedAt time.Time
}

// FromCustomer reports whether the activity originated on the customer side.
func (a Activity) FromCustomer() bool {
	return a.Direction == DirectionCustomer
}

// Conversation is the full set of activities on a ticket, ordered by
// ascending timestamp.
type Conversation []Activity

// Volume counts the activities on the given channel. This count is the
// authoritative delta signal used to throttle analysis.
func (c Conversation) Volume(ch Channel) int {
	n := 0
	for _, a := range c {
		if a.Channel == ch {
			n++
		}
	}
	return n
}

// Latest returns the most recent activity, or false when the
// conversation is empty.
func (c Conversation) Latest() (Activity, bool) {
	if len(c) == 0 {
		return Activity{}, false
	}
	return c[len(c)-1], true
}
