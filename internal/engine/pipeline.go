package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/tkardel/ticketwatch/internal/domain/ticket"
	"github.com/tkardel/ticketwatch/internal/note"
	"github.com/tkardel/ticketwatch/internal/retry"
)

// outcome is the terminal state of one ticket's trip through the pipeline.
type outcome int

const (
	outcomeFailed outcome = iota
	// outcomeSkipCached: marker matched in memory, zero remote calls.
	outcomeSkipCached
	// outcomeSkipProbe: the latest activity disqualified the ticket.
	outcomeSkipProbe
	// outcomeSkipStale: no activity newer than the last commit.
	outcomeSkipStale
	// outcomeSkipDelta: volume delta below the durable threshold.
	outcomeSkipDelta
	outcomeProcessed
)

func (o outcome) String() string {
	switch o {
	case outcomeSkipCached:
		return "skip-cached"
	case outcomeSkipProbe:
		return "skip-probe"
	case outcomeSkipStale:
		return "skip-stale"
	case outcomeSkipDelta:
		return "skip-delta"
	case outcomeProcessed:
		return "processed"
	default:
		return "failed"
	}
}

// process runs one ticket through the tiered state machine. force bypasses
// the cache check, the cheap probe, and the durable delta check, but still
// commits normally. Each tier either exits with a terminal skip or hands
// off to the next, strictly in order.
func (e *Engine) process(ctx context.Context, ref ticket.Ref, force bool) (outcome, error) {
	// Tier 1: in-memory marker check. The only tier with zero remote calls.
	if !force && e.markers.CheckAndRefresh(ref.ID, ref.Marker) {
		return outcomeSkipCached, nil
	}

	// Tier 2: cheap probe. Only a customer activity on the qualifying
	// channel justifies the expensive full fetch.
	if !force {
		latest, err := e.source.LatestActivity(ctx, ref.ID)
		if err != nil {
			return outcomeFailed, fmt.Errorf("probing latest activity: %w", err)
		}
		if latest == nil || !latest.FromCustomer() || latest.Channel != e.cfg.QualifyingChannel {
			e.markers.Update(ref.ID, ref.Marker)
			return outcomeSkipProbe, nil
		}
		if !e.tracker.NeedsProcessing(ctx, ref.ID, latest.CreatedAt) {
			e.markers.Update(ref.ID, ref.Marker)
			return outcomeSkipStale, nil
		}
	}

	// Tier 3: full conversation fetch.
	conv, err := e.source.FullConversation(ctx, ref.ID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("fetching conversation: %w", err)
	}
	volume := conv.Volume(e.cfg.QualifyingChannel)

	// Tier 4: durable delta check.
	if !force && e.tracker.ShouldSkip(ctx, ref.ID, volume) {
		e.markers.Update(ref.ID, ref.Marker)
		return outcomeSkipDelta, nil
	}

	// Analyze.
	prior := note.LatestState(conv)
	scrubbed := make(ticket.Conversation, len(conv))
	for i, a := range conv {
		a.Body = e.scrub(a.Body)
		scrubbed[i] = a
	}
	result, err := e.reasoner.Generate(ctx, note.BuildPrompt(ref, scrubbed, prior), false)
	if err != nil {
		return outcomeFailed, fmt.Errorf("analyzing ticket: %w", err)
	}
	if strings.TrimSpace(result) == "" {
		return outcomeFailed, retry.NewPermanent("analysis produced no result", nil)
	}

	// Post.
	body, err := note.Format(result, note.State{
		AnalyzedVolume: volume,
		AnalyzedAt:     e.now(),
		Summary:        summarize(result),
	})
	if err != nil {
		return outcomeFailed, err
	}
	if err := e.source.PostPrivateNote(ctx, ref.ID, body); err != nil {
		return outcomeFailed, fmt.Errorf("posting note: %w", err)
	}

	// Commit, then cache, in that order. A failed durable commit must
	// leave the cache unmarked or the ticket would look settled in memory
	// until a restart.
	if err := e.tracker.Commit(ctx, ref.ID, volume); err != nil {
		return outcomeFailed, fmt.Errorf("committing tracking record: %w", err)
	}
	e.markers.Update(ref.ID, ref.Marker)

	return outcomeProcessed, nil
}

// summarize keeps the first line of the result, truncated, as the carried
// summary for the next analysis round.
func summarize(result string) string {
	line := strings.TrimSpace(result)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	const maxLen = 200
	if len(line) > maxLen {
		line = line[:maxLen]
	}
	return line
}
