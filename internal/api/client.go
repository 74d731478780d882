package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/google/uuid"
)

const ticketPath = "/api/ticket"

type errorResponse struct {
	Error string `json:"error"`
}

// Client fetches tickets (relay URL and ICE servers) from the relay.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for the relay at baseURL (http or https).
// A nil hc uses a client with a 10s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// FetchTicket obtains the signaling endpoint and ICE servers for the
// identity behind token.
func (c *Client) FetchTicket(ctx context.Context, token string) (*domain.Ticket, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ticketPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %w", domain.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("ticket: http %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("ticket: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var ticket domain.Ticket
	if err := json.Unmarshal(respBody, &ticket); err != nil {
		return nil, fmt.Errorf("unmarshal ticket: %w", err)
	}
	if ticket.RelayURL == "" {
		return nil, fmt.Errorf("ticket without relay url")
	}
	ticket.ICEServers = domain.OrderICEServers(ticket.ICEServers)

	return &ticket, nil
}
