package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tkardel/ticketwatch/internal/cache"
	"github.com/tkardel/ticketwatch/internal/domain/ticket"
	"github.com/tkardel/ticketwatch/internal/note"
	"github.com/tkardel/ticketwatch/internal/retry"
)

type fakeSource struct {
	mu         sync.Mutex
	tickets    []ticket.Ref
	latest     map[string]*ticket.Activity
	convs      map[string]ticket.Conversation
	notes      map[string][]string
	probeErr   error
	fetchErr   error
	postErr    error
	listCalls  int
	probeCalls int
	fetchCalls int
	postCalls  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		latest: map[string]*ticket.Activity{},
		convs:  map[string]ticket.Conversation{},
		notes:  map[string][]string{},
	}
}

func (s *fakeSource) ListOpenTickets(context.Context) ([]ticket.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	return append([]ticket.Ref(nil), s.tickets...), nil
}

func (s *fakeSource) TicketByNumber(_ context.Context, number string) (ticket.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range s.tickets {
		if ref.Number == number {
			return ref, nil
		}
	}
	return ticket.Ref{}, ticket.ErrNotFound
}

func (s *fakeSource) LatestActivity(_ context.Context, id string) (*ticket.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeCalls++
	if s.probeErr != nil {
		return nil, s.probeErr
	}
	return s.latest[id], nil
}

func (s *fakeSource) FullConversation(_ context.Context, id string) (ticket.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.convs[id], nil
}

func (s *fakeSource) PostPrivateNote(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postCalls++
	if s.postErr != nil {
		return s.postErr
	}
	s.notes[id] = append(s.notes[id], text)
	return nil
}

type fakeReasoner struct {
	mu      sync.Mutex
	result  string
	err     error
	panics  bool
	calls   int
	prompts []string
}

func (r *fakeReasoner) Generate(_ context.Context, prompt string, _ bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.prompts = append(r.prompts, prompt)
	if r.panics {
		panic("reasoner exploded")
	}
	return r.result, r.err
}

type trackedState struct {
	volume      int
	processedAt time.Time
}

// fakeTracker mirrors the sqlite tracker's decision semantics in memory.
type fakeTracker struct {
	mu          sync.Mutex
	records     map[string]trackedState
	threshold   int
	buffer      time.Duration
	commitErr   error
	commitCalls int
	now         func() time.Time
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		records:   map[string]trackedState{},
		threshold: 5,
		buffer:    time.Second,
		now:       time.Now,
	}
}

func (f *fakeTracker) NeedsProcessing(_ context.Context, id string, remote time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return true
	}
	return remote.After(rec.processedAt.Add(f.buffer))
}

func (f *fakeTracker) ShouldSkip(_ context.Context, id string, currentVolume int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return false
	}
	return currentVolume-rec.volume < f.threshold
}

func (f *fakeTracker) Commit(_ context.Context, id string, currentVolume int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	if f.commitErr != nil {
		return f.commitErr
	}
	f.records[id] = trackedState{volume: currentVolume, processedAt: f.now()}
	return nil
}

func (f *fakeTracker) volumeOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id].volume
}

type fixture struct {
	engine   *Engine
	source   *fakeSource
	reasoner *fakeReasoner
	tracker  *fakeTracker
	markers  *cache.MarkerCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	source := newFakeSource()
	reasoner := &fakeReasoner{result: "Customer is waiting on a refund.\nSuggest escalating."}
	tracker := newFakeTracker()
	markers, err := cache.New(16)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := New(Config{
		PollInterval: 10 * time.Millisecond,
		Workers:      2,
	}, source, reasoner, tracker, markers, logger)

	return &fixture{engine: eng, source: source, reasoner: reasoner, tracker: tracker, markers: markers}
}

func emailConv(n int, base time.Time) ticket.Conversation {
	conv := make(ticket.Conversation, 0, n)
	for i := 0; i < n; i++ {
		conv = append(conv, ticket.Activity{
			Direction: ticket.DirectionCustomer,
			Channel:   ticket.ChannelEmail,
			Body:      "message body",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return conv
}

func (f *fixture) seedTicket(id, number, marker string, conv ticket.Conversation) ticket.Ref {
	ref := ticket.Ref{ID: id, Number: number, Marker: marker}
	f.source.mu.Lock()
	defer f.source.mu.Unlock()
	f.source.tickets = []ticket.Ref{ref}
	f.source.convs[id] = conv
	if latest, ok := conv.Latest(); ok {
		f.source.latest[id] = &latest
	}
	return ref
}

func TestProcess_FullPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	ref := f.seedTicket("t1", "101", "v1", emailConv(6, base))

	out, err := f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeProcessed, out)

	require.Equal(t, 6, f.tracker.volumeOf("t1"), "committed volume is the qualifying count")
	require.True(t, f.markers.CheckAndRefresh("t1", "v1"), "cache holds the marker after commit")
	require.Len(t, f.source.notes["t1"], 1)

	state := note.ExtractState(f.source.notes["t1"][0])
	require.NotNil(t, state, "posted note carries the state block")
	require.Equal(t, 6, state.AnalyzedVolume)
}

func TestProcess_CacheHitMakesZeroRemoteCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seedTicket("t1", "101", "v1", emailConv(6, time.Now().Add(-time.Hour)))

	out, err := f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeProcessed, out)

	probes, fetches := f.source.probeCalls, f.source.fetchCalls
	posts, analyses := f.source.postCalls, f.reasoner.calls

	out, err = f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeSkipCached, out)
	require.Equal(t, probes, f.source.probeCalls)
	require.Equal(t, fetches, f.source.fetchCalls)
	require.Equal(t, posts, f.source.postCalls)
	require.Equal(t, analyses, f.reasoner.calls)
}

func TestProcess_AgentActivitySkipsBeforeFullFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seedTicket("t1", "101", "v1", emailConv(6, time.Now().Add(-time.Hour)))

	out, err := f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeProcessed, out)

	// Marker moves to v2 but the newest activity is the agent's reply.
	ref.Marker = "v2"
	f.source.mu.Lock()
	f.source.latest["t1"] = &ticket.Activity{
		Direction: ticket.DirectionAgent,
		Channel:   ticket.ChannelEmail,
		CreatedAt: time.Now(),
	}
	f.source.mu.Unlock()
	fetches := f.source.fetchCalls

	out, err = f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeSkipProbe, out)
	require.Equal(t, fetches, f.source.fetchCalls, "skip happens before the full fetch")
	require.Equal(t, 6, f.tracker.volumeOf("t1"), "tracker volume unchanged")
	require.True(t, f.markers.CheckAndRefresh("t1", "v2"), "cache updated to the new marker")
}

func TestProcess_NonQualifyingChannelSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seedTicket("t1", "101", "v1", emailConv(3, time.Now().Add(-time.Hour)))
	f.source.mu.Lock()
	f.source.latest["t1"] = &ticket.Activity{
		Direction: ticket.DirectionCustomer,
		Channel:   ticket.ChannelPhone,
		CreatedAt: time.Now(),
	}
	f.source.mu.Unlock()

	out, err := f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeSkipProbe, out)
	require.True(t, f.markers.CheckAndRefresh("t1", "v1"))
}

func TestProcess_EmptyTicketSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seedTicket("t1", "101", "v1", nil)

	out, err := f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeSkipProbe, out)
}

func TestProcess_StaleActivitySkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	activityAt := time.Now().Add(-time.Hour)
	ref := f.seedTicket("t1", "101", "v1", emailConv(6, activityAt))

	// Commit happened after the newest customer activity.
	f.tracker.records["t1"] = trackedState{volume: 1, processedAt: activityAt.Add(time.Hour)}
	fetches := f.source.fetchCalls

	out, err := f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeSkipStale, out)
	require.Equal(t, fetches, f.source.fetchCalls)
}

func TestProcess_DeltaBelowThresholdSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Prior record at volume 10; 14 qualifying messages is a delta of 4.
	f.tracker.records["t1"] = trackedState{volume: 10, processedAt: base.Add(-time.Hour)}
	ref := f.seedTicket("t1", "101", "v1", emailConv(14, base))

	out, err := f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeSkipDelta, out)
	require.Equal(t, 0, f.reasoner.calls)
	require.True(t, f.markers.CheckAndRefresh("t1", "v1"))

	// Delta of 5 crosses the threshold.
	ref = f.seedTicket("t1", "101", "v2", emailConv(15, base))
	out, err = f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeProcessed, out)
	require.Equal(t, 15, f.tracker.volumeOf("t1"))
}

func TestProcess_CommitFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seedTicket("t1", "101", "v1", emailConv(6, time.Now().Add(-time.Hour)))
	f.tracker.commitErr = retry.NewTransient("database is locked", nil)

	out, err := f.engine.process(ctx, ref, false)
	require.Error(t, err)
	require.Equal(t, outcomeFailed, out)
	require.False(t, f.markers.CheckAndRefresh("t1", "v1"),
		"cache must not mark a ticket whose durable commit failed")
}

func TestProcess_TransientProbeFailureTouchesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seedTicket("t1", "101", "v1", emailConv(6, time.Now().Add(-time.Hour)))
	f.source.probeErr = retry.NewTransient("probe timeout", nil)

	out, err := f.engine.process(ctx, ref, false)
	require.Error(t, err)
	require.Equal(t, outcomeFailed, out)
	require.False(t, f.markers.CheckAndRefresh("t1", "v1"))
	require.Equal(t, 0, f.tracker.commitCalls)
}

func TestProcess_EmptyAnalysisIsPermanent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seedTicket("t1", "101", "v1", emailConv(6, time.Now().Add(-time.Hour)))
	f.reasoner.result = "   "

	out, err := f.engine.process(ctx, ref, false)
	require.Error(t, err)
	require.Equal(t, outcomeFailed, out)
	require.Equal(t, retry.Permanent, retry.ClassifyKind(err))
	require.Equal(t, 0, f.source.postCalls)
	require.False(t, f.markers.CheckAndRefresh("t1", "v1"))
}

func TestProcess_ForceBypassesSkipTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seedTicket("t1", "101", "v1", emailConv(2, time.Now().Add(-time.Hour)))

	// Everything argues for skipping: cached marker, agent-side latest
	// activity, tiny delta. Force analyzes anyway and commits normally.
	f.markers.Update("t1", "v1")
	f.source.mu.Lock()
	f.source.latest["t1"] = &ticket.Activity{Direction: ticket.DirectionAgent, Channel: ticket.ChannelNote}
	f.source.mu.Unlock()
	f.tracker.records["t1"] = trackedState{volume: 2, processedAt: time.Now()}

	out, err := f.engine.process(ctx, ref, true)
	require.NoError(t, err)
	require.Equal(t, outcomeProcessed, out)
	require.Equal(t, 0, f.source.probeCalls, "force skips the probe entirely")
	require.Equal(t, 1, f.source.postCalls)
	require.Equal(t, 1, f.tracker.commitCalls)
}

func TestProcess_PriorStateFlowsIntoPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)
	ref := f.seedTicket("t1", "101", "v1", emailConv(6, base))

	out, err := f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeProcessed, out)

	// Second round: the posted note is now part of the conversation and
	// enough new mail arrived to cross the threshold again.
	conv := emailConv(11, base)
	conv = append(conv, ticket.Activity{
		Channel:   ticket.ChannelNote,
		Direction: ticket.DirectionAgent,
		Body:      f.source.notes["t1"][0],
		CreatedAt: base.Add(30 * time.Minute),
	})
	ref = f.seedTicket("t1", "101", "v2", conv)
	f.source.mu.Lock()
	f.source.latest["t1"] = &ticket.Activity{
		Direction: ticket.DirectionCustomer,
		Channel:   ticket.ChannelEmail,
		CreatedAt: time.Now().Add(time.Minute),
	}
	f.source.mu.Unlock()

	out, err = f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, outcomeProcessed, out)

	lastPrompt := f.reasoner.prompts[len(f.reasoner.prompts)-1]
	require.Contains(t, lastPrompt, "previous analysis covered the first 6 messages")
}

func TestProcess_ScrubsBodiesBeforeAnalysis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := ticket.Conversation{{
		Direction: ticket.DirectionCustomer,
		Channel:   ticket.ChannelEmail,
		Body:      "contact me at jane@example.com",
		CreatedAt: time.Now().Add(-time.Hour),
	}}
	ref := f.seedTicket("t1", "101", "v1", conv)

	_, err := f.engine.process(ctx, ref, false)
	require.NoError(t, err)
	require.Contains(t, f.reasoner.prompts[0], "[email]")
	require.NotContains(t, f.reasoner.prompts[0], "jane@example.com")
}

func TestRunOne_ContainsPanics(t *testing.T) {
	f := newFixture(t)
	ref := f.seedTicket("t1", "101", "v1", emailConv(6, time.Now().Add(-time.Hour)))
	f.reasoner.panics = true

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := f.engine.runOne(context.Background(), logger, ref, false)
	require.Equal(t, outcomeFailed, out)
	require.False(t, f.markers.CheckAndRefresh("t1", "v1"))
}

func TestRunTicket_UnknownNumber(t *testing.T) {
	f := newFixture(t)
	err := f.engine.RunTicket(context.Background(), "999", false)
	require.ErrorIs(t, err, ticket.ErrNotFound)
}

func TestRun_PollsAndDrainsOnShutdown(t *testing.T) {
	f := newFixture(t)
	f.seedTicket("t1", "101", "v1", emailConv(6, time.Now().Add(-time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		require.NoError(t, f.engine.Run(ctx))
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.source.mu.Lock()
		defer f.source.mu.Unlock()
		return len(f.source.notes["t1"]) > 0
	}, 2*time.Second, 5*time.Millisecond, "first cycle processes the ticket")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not drain and stop")
	}

	// Later cycles hit the cache; the note is posted exactly once.
	require.Len(t, f.source.notes["t1"], 1)
}

func TestSummarize(t *testing.T) {
	require.Equal(t, "first line", summarize("first line\nsecond line"))
	long := strings.Repeat("x", 300)
	require.Len(t, summarize(long), 200)
}
