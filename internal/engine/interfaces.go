package engine

import (
	"context"
	"time"

	"github.com/tkardel/ticketwatch/internal/domain/ticket"
)

// TicketSource is the remote ticketing API surface the engine consumes.
// Satisfied by *helpdesk.Client.
type TicketSource interface {
	ListOpenTickets(ctx context.Context) ([]ticket.Ref, error)
	TicketByNumber(ctx context.Context, number string) (ticket.Ref, error)
	LatestActivity(ctx context.Context, id string) (*ticket.Activity, error)
	FullConversation(ctx context.Context, id string) (ticket.Conversation, error)
	PostPrivateNote(ctx context.Context, id, text string) error
}

// Reasoner performs the expensive analysis. Satisfied by *reasoning.Client.
type Reasoner interface {
	Generate(ctx context.Context, prompt string, jsonMode bool) (string, error)
}

// Tracker is the durable processing ledger. Satisfied by *sqlite.Tracker.
// Read methods carry their fallback decision internally and never fail;
// Commit surfaces its error so the caller can keep the cache untouched.
type Tracker interface {
	NeedsProcessing(ctx context.Context, id string, remoteActivity time.Time) bool
	ShouldSkip(ctx context.Context, id string, currentVolume int) bool
	Commit(ctx context.Context, id string, currentVolume int) error
}
