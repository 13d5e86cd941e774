package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/tkardel/ticketwatch/internal/domain/ticket"
	"github.com/tkardel/ticketwatch/internal/sqlite"
)

type fakeLedger struct {
	rows  []sqlite.TrackedTicket
	count int
	err   error
}

func (f *fakeLedger) RecentlyProcessed(_ context.Context, n int) ([]sqlite.TrackedTicket, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n < len(f.rows) {
		return f.rows[:n], nil
	}
	return f.rows, nil
}

func (f *fakeLedger) Count(context.Context) (int, error) {
	return f.count, f.err
}

type fakeRunner struct {
	calls  []string
	forced []bool
	err    error
}

func (f *fakeRunner) RunTicket(_ context.Context, number string, force bool) error {
	f.calls = append(f.calls, number)
	f.forced = append(f.forced, force)
	return f.err
}

type fakeMarkers struct{ n int }

func (f *fakeMarkers) Len() int { return f.n }

func newTestSession(t *testing.T, cfg Config) *sdkmcp.ClientSession {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	server := NewServer(cfg)

	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	ctx := context.Background()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { serverSession.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}

func callTool(t *testing.T, session *sdkmcp.ClientSession, name string, args map[string]any) json.RawMessage {
	t.Helper()
	result, err := session.CallTool(context.Background(), &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s returned error: %v", name, result.Content)

	for _, content := range result.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok {
			return json.RawMessage(text.Text)
		}
	}
	t.Fatalf("tool %s returned no text content", name)
	return nil
}

func TestStatusTool(t *testing.T) {
	ledger := &fakeLedger{count: 42}
	session := newTestSession(t, Config{
		Ledger:  ledger,
		Runner:  &fakeRunner{},
		Markers: &fakeMarkers{n: 7},
	})

	raw := callTool(t, session, "status", nil)
	var status StatusResult
	require.NoError(t, json.Unmarshal(raw, &status))
	require.Equal(t, 42, status.TrackedTickets)
	require.Equal(t, 7, status.CachedMarkers)
}

func TestRecentProcessedTool(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	ledger := &fakeLedger{rows: []sqlite.TrackedTicket{
		{TicketID: "t2", LastSeenVolume: 9, ProcessedAt: now},
		{TicketID: "t1", LastSeenVolume: 6, ProcessedAt: now.Add(-time.Hour)},
	}}
	session := newTestSession(t, Config{
		Ledger:  ledger,
		Runner:  &fakeRunner{},
		Markers: &fakeMarkers{},
	})

	raw := callTool(t, session, "recent_processed", map[string]any{"limit": 10})
	var result RecentProcessedResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Entries, 2)
	require.Equal(t, "t2", result.Entries[0].TicketID)
	require.Equal(t, 9, result.Entries[0].LastSeenVolume)
}

func TestRecentProcessedTool_DefaultLimit(t *testing.T) {
	rows := make([]sqlite.TrackedTicket, 30)
	for i := range rows {
		rows[i] = sqlite.TrackedTicket{TicketID: "t", LastSeenVolume: i}
	}
	session := newTestSession(t, Config{
		Ledger:  &fakeLedger{rows: rows},
		Runner:  &fakeRunner{},
		Markers: &fakeMarkers{},
	})

	raw := callTool(t, session, "recent_processed", nil)
	var result RecentProcessedResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Entries, 20)
}

func TestRunTicketTool(t *testing.T) {
	runner := &fakeRunner{}
	session := newTestSession(t, Config{
		Ledger:  &fakeLedger{},
		Runner:  runner,
		Markers: &fakeMarkers{},
	})

	raw := callTool(t, session, "run_ticket", map[string]any{"number": "101", "force": true})
	var result RunTicketResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, "101", result.Number)
	require.Equal(t, "processed", result.Status)
	require.Equal(t, []string{"101"}, runner.calls)
	require.Equal(t, []bool{true}, runner.forced)
}

func TestRunTicketTool_Errors(t *testing.T) {
	runner := &fakeRunner{err: ticket.ErrNotFound}
	session := newTestSession(t, Config{
		Ledger:  &fakeLedger{},
		Runner:  runner,
		Markers: &fakeMarkers{},
	})

	result, err := session.CallTool(context.Background(), &sdkmcp.CallToolParams{
		Name:      "run_ticket",
		Arguments: map[string]any{"number": "999"},
	})
	require.NoError(t, err)
	require.True(t, result.IsError)

	result, err = session.CallTool(context.Background(), &sdkmcp.CallToolParams{
		Name:      "run_ticket",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	require.True(t, result.IsError, "missing number is rejected")
}

func TestStatusTool_LedgerFailure(t *testing.T) {
	session := newTestSession(t, Config{
		Ledger:  &fakeLedger{err: errors.New("database is closed")},
		Runner:  &fakeRunner{},
		Markers: &fakeMarkers{},
	})

	result, err := session.CallTool(context.Background(), &sdkmcp.CallToolParams{Name: "status"})
	require.NoError(t, err)
	require.True(t, result.IsError)
}
