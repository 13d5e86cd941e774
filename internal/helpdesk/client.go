// Package helpdesk is the HTTP client for the remote ticketing API.
package helpdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/tkardel/ticketwatch/internal/domain/ticket"
	"github.com/tkardel/ticketwatch/internal/retry"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	PageSize   int
	MaxTickets int
	Policy     retry.Policy
}

// Client talks to the helpdesk REST API. All calls classify failures
// through the retry package and run under its bounded backoff loop.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	policy     retry.Policy
	pageSize   int
	maxTickets int
	logger     *slog.Logger
}

// NewClient creates a helpdesk API client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxTickets <= 0 {
		opts.MaxTickets = 500
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.DefaultPolicy()
	}
	return &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		http:       &http.Client{Timeout: opts.Timeout},
		policy:     opts.Policy,
		pageSize:   opts.PageSize,
		maxTickets: opts.MaxTickets,
		logger:     logger,
	}
}

type wireTicket struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	AssigneeID string `json:"assignee_id"`
	UpdatedAt  string `json:"updated_at"`
}

func (w wireTicket) toRef() ticket.Ref {
	return ticket.Ref{
		ID:         w.ID,
		Number:     w.Number,
		AssigneeID: w.AssigneeID,
		// The raw modification stamp serves as the opaque version marker;
		// the engine only ever compares it for equality.
		Marker: w.UpdatedAt,
	}
}

type wireActivity struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Channel   string    `json:"channel"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (w wireActivity) toActivity() ticket.Activity {
	return ticket.Activity{
		ID:        w.ID,
		Direction: ticket.Direction(w.Direction),
		Channel:   ticket.Channel(w.Channel),
		Body:      w.Body,
		CreatedAt: w.CreatedAt,
	}
}

// ListOpenTickets pages through open tickets up to the safety cap. If
// retries are exhausted on a transient failure the method fails open to an
// empty list so one bad cycle cannot wedge the polling loop.
func (c *Client) ListOpenTickets(ctx context.Context) ([]ticket.Ref, error) {
	var refs []ticket.Ref
	for page := 1; len(refs) < c.maxTickets; page++ {
		var body struct {
			Tickets []wireTicket `json:"tickets"`
			HasMore bool         `json:"has_more"`
		}
		path := fmt.Sprintf("/api/tickets?status=open&page=%d&per_page=%d", page, c.pageSize)
		if err := c.getJSON(ctx, path, &body); err != nil {
			if retry.ClassifyKind(err) == retry.Transient {
				c.logger.Warn("ticket listing failed, deferring to next cycle", "error", err)
				return nil, nil
			}
			return nil, err
		}
		for _, wt := range body.Tickets {
			refs = append(refs, wt.toRef())
			if len(refs) == c.maxTickets {
				return refs, nil
			}
		}
		if !body.HasMore {
			break
		}
	}
	return refs, nil
}

// TicketByNumber resolves a human-readable ticket number to a Ref.
func (c *Client) TicketByNumber(ctx context.Context, number string) (ticket.Ref, error) {
	var body struct {
		Ticket wireTicket `json:"ticket"`
	}
	path := "/api/tickets/number/" + url.PathEscape(number)
	if err := c.getJSON(ctx, path, &body); err != nil {
		var re *retry.Error
		if errors.As(err, &re) && re.Kind == retry.Permanent && re.StatusCode == http.StatusNotFound {
			return ticket.Ref{}, ticket.ErrNotFound
		}
		return ticket.Ref{}, err
	}
	return body.Ticket.toRef(), nil
}

// LatestActivity fetches only the most recent activity on a ticket, the
// cheap probe used before committing to a full conversation fetch. Returns
// nil when the ticket has no activity.
func (c *Client) LatestActivity(ctx context.Context, id string) (*ticket.Activity, error) {
	var body struct {
		Activity *wireActivity `json:"activity"`
	}
	path := "/api/tickets/" + url.PathEscape(id) + "/activities/latest"
	if err := c.getJSON(ctx, path, &body); err != nil {
		return nil, err
	}
	if body.Activity == nil {
		return nil, nil
	}
	act := body.Activity.toActivity()
	return &act, nil
}

// FullConversation fetches every message-like item on a ticket, merged and
// ordered by ascending timestamp.
func (c *Client) FullConversation(ctx context.Context, id string) (ticket.Conversation, error) {
	var body struct {
		Messages []wireActivity `json:"messages"`
		Notes    []wireActivity `json:"notes"`
	}
	path := "/api/tickets/" + url.PathEscape(id) + "/conversations"
	if err := c.getJSON(ctx, path, &body); err != nil {
		return nil, err
	}

	conv := make(ticket.Conversation, 0, len(body.Messages)+len(body.Notes))
	for _, w := range body.Messages {
		conv = append(conv, w.toActivity())
	}
	for _, w := range body.Notes {
		conv = append(conv, w.toActivity())
	}
	sort.SliceStable(conv, func(i, j int) bool {
		return conv[i].CreatedAt.Before(conv[j].CreatedAt)
	})
	return conv, nil
}

// PostPrivateNote submits formatted text as an internal note on the ticket.
func (c *Client) PostPrivateNote(ctx context.Context, id, text string) error {
	payload, err := json.Marshal(map[string]any{
		"body":    text,
		"private": true,
	})
	if err != nil {
		return fmt.Errorf("encoding note: %w", err)
	}

	path := "/api/tickets/" + url.PathEscape(id) + "/notes"
	return retry.Do(ctx, c.policy, func() error {
		return c.send(ctx, http.MethodPost, path, payload, nil)
	})
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.policy, func() error {
		return c.send(ctx, http.MethodGet, path, nil, out)
	})
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return retry.NewPermanent("building request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.NewTransient(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return retry.FromStatusCode(resp.StatusCode, method+" "+path)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.NewPermanent("decoding response", err)
	}
	return nil
}
