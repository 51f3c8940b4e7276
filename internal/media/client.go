// Package media talks to the external media/SFU service that carries the
// actual audio. The coordination core never touches media frames; it only
// instructs the media plane over its internal HTTP API.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Err wraps any media-plane failure. Callers treat it as a soft error: the
// triggering event fails, the connection and session state survive.
type Err struct {
	Op     string
	Status int
	Inner  error
}

func (e *Err) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("media %s: %v", e.Op, e.Inner)
	}
	return fmt.Sprintf("media %s: status %d", e.Op, e.Status)
}

func (e *Err) Unwrap() error { return e.Inner }

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// TransportParams is the opaque transport description the media service
// hands back; it is forwarded to clients verbatim.
type TransportParams = json.RawMessage

// SessionStats reports producer activity for a session.
type SessionStats struct {
	ActiveProducerChannels int      `json:"activeProducerChannels"`
	ActiveChannelIDs       []string `json:"activeChannelIds"`
}

// Join registers a client with the media session and returns router
// capabilities.
func (c *Client) Join(ctx context.Context, sessionID, clientID, role string) (json.RawMessage, error) {
	return c.post(ctx, "join", map[string]any{
		"sessionId": sessionID,
		"clientId":  clientID,
		"role":      role,
	})
}

// CreateTransport allocates a send or receive transport for the client.
func (c *Client) CreateTransport(ctx context.Context, sessionID, clientID, direction string) (TransportParams, error) {
	return c.post(ctx, "transports", map[string]any{
		"sessionId": sessionID,
		"clientId":  clientID,
		"direction": direction,
	})
}

// ConnectTransport completes the DTLS handshake for a transport.
func (c *Client) ConnectTransport(ctx context.Context, sessionID, clientID, transportID string, dtlsParameters json.RawMessage) error {
	_, err := c.post(ctx, "transports/connect", map[string]any{
		"sessionId":      sessionID,
		"clientId":       clientID,
		"transportId":    transportID,
		"dtlsParameters": dtlsParameters,
	})
	return err
}

// Produce starts publishing the broadcaster's audio onto a channel and
// returns the producer id.
func (c *Client) Produce(ctx context.Context, sessionID, clientID, channelID string, rtpParameters json.RawMessage) (string, error) {
	raw, err := c.post(ctx, "produce", map[string]any{
		"sessionId":     sessionID,
		"clientId":      clientID,
		"channelId":     channelID,
		"rtpParameters": rtpParameters,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &Err{Op: "produce", Inner: err}
	}
	return out.ProducerID, nil
}

// Consume subscribes a listener to a channel's producer and returns consumer
// parameters for the client.
func (c *Client) Consume(ctx context.Context, sessionID, clientID, channelID string, rtpCapabilities json.RawMessage) (json.RawMessage, error) {
	return c.post(ctx, "consume", map[string]any{
		"sessionId":       sessionID,
		"clientId":        clientID,
		"channelId":       channelID,
		"rtpCapabilities": rtpCapabilities,
	})
}

// ResumeConsumer unpauses a consumer created in the paused state.
func (c *Client) ResumeConsumer(ctx context.Context, sessionID, clientID, consumerID string) error {
	_, err := c.post(ctx, "consumers/resume", map[string]any{
		"sessionId":  sessionID,
		"clientId":   clientID,
		"consumerId": consumerID,
	})
	return err
}

// DisconnectClient tears down everything the media plane holds for a client.
func (c *Client) DisconnectClient(ctx context.Context, sessionID, clientID string) error {
	_, err := c.post(ctx, "disconnect", map[string]any{
		"sessionId": sessionID,
		"clientId":  clientID,
	})
	return err
}

// Stats returns producer activity for a session. Used by live-state and the
// admin stats view.
func (c *Client) Stats(ctx context.Context, sessionID string) (*SessionStats, error) {
	raw, err := c.post(ctx, "stats", map[string]any{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}
	var stats SessionStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, &Err{Op: "stats", Inner: err}
	}
	return &stats, nil
}

func (c *Client) post(ctx context.Context, op string, body map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Err{Op: op, Inner: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/"+op, bytes.NewReader(payload))
	if err != nil {
		return nil, &Err{Op: op, Inner: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Err{Op: op, Inner: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Err{Op: op, Status: resp.StatusCode}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Err{Op: op, Inner: err}
	}
	return raw, nil
}
