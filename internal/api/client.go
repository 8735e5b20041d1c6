// Package api is the REST client for the Fixmate marketplace backend. It
// covers the two endpoints that intersect message delivery: fetching a
// booking's message history and posting a message over plain HTTP. Live
// delivery runs over the cable, not through this client.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fixmate/chat-client/internal/apierr"
	"github.com/fixmate/chat-client/internal/auth"
	"github.com/fixmate/chat-client/internal/chat"
	"github.com/fixmate/chat-client/internal/metrics"
)

// basePath is the API version prefix appended to the configured host.
const basePath = "/api/v1"

// Client talks to the marketplace REST API with bearer authentication.
type Client struct {
	baseURL string
	httpc   *http.Client
	creds   *auth.Store
}

// NewClient validates the base URL and returns a ready client. The URL is
// the API host, e.g. "https://api.fixmate.app"; the version prefix is
// appended internally.
func NewClient(baseURL string, creds *auth.Store) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apierr.Wrap(apierr.KindInvalidAddress, fmt.Sprintf("api base url %q", baseURL), err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + basePath,
		httpc:   &http.Client{},
		creds:   creds,
	}, nil
}

// FetchHistory retrieves the full message history for a booking, preferred
// credential kind first. On a 401-class response it retries exactly once
// with the alternate credential if one is held; a second rejection surfaces
// as unauthenticated, never as a loop. The result is sorted by
// (created_at, id) regardless of server order.
func (c *Client) FetchHistory(ctx context.Context, bookingID int64, preferred auth.Kind) ([]chat.Message, error) {
	creds := c.creds.Order(preferred)
	if len(creds) == 0 {
		return nil, apierr.New(apierr.KindUnauthenticated, "no credential held")
	}

	start := time.Now()
	endpoint := fmt.Sprintf("%s/bookings/%d/messages", c.baseURL, bookingID)

	for _, cred := range creds {
		msgs, err := c.fetchWith(ctx, endpoint, cred)
		if apierr.IsKind(err, apierr.KindAuthorizationRejected) {
			log.Printf("api: history booking=%d rejected kind=%s, trying alternate", bookingID, cred.Kind)
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.HistoryFetchSeconds.Observe(time.Since(start).Seconds())
		chat.Sort(msgs)
		return msgs, nil
	}

	return nil, apierr.New(apierr.KindUnauthenticated, "every held credential was rejected")
}

func (c *Client) fetchWith(ctx context.Context, endpoint string, cred auth.Credential) ([]chat.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidAddress, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransportFailure, "fetch history", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var msgs []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, apierr.Wrap(apierr.KindDecodingFailure, "history body", err)
	}
	return msgs, nil
}

// PostMessage submits a message over REST. Acceptance here does not mean
// delivery: the message is only visible once echoed back through the cable.
// The same single-fallback credential policy as FetchHistory applies.
func (c *Client) PostMessage(ctx context.Context, bookingID int64, content string, preferred auth.Kind) error {
	creds := c.creds.Order(preferred)
	if len(creds) == 0 {
		return apierr.New(apierr.KindUnauthenticated, "no credential held")
	}

	var payload struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		BookingID int64 `json:"booking_id"`
	}
	payload.Message.Content = content
	payload.BookingID = bookingID

	body, err := json.Marshal(payload)
	if err != nil {
		return apierr.Wrap(apierr.KindEncodingFailure, "message body", err)
	}

	endpoint := fmt.Sprintf("%s/bookings/%d/messages", c.baseURL, bookingID)

	for _, cred := range creds {
		err := c.postWith(ctx, endpoint, cred, body)
		if apierr.IsKind(err, apierr.KindAuthorizationRejected) {
			log.Printf("api: post booking=%d rejected kind=%s, trying alternate", bookingID, cred.Kind)
			continue
		}
		return err
	}

	return apierr.New(apierr.KindUnauthenticated, "every held credential was rejected")
}

func (c *Client) postWith(ctx context.Context, endpoint string, cred auth.Credential, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidAddress, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindTransportFailure, "post message", err)
	}
	defer resp.Body.Close()

	return classifyStatus(resp)
}

// classifyStatus maps a non-2xx response onto the error taxonomy. The body
// is read for detail but failures to read it are not themselves errors.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := fmt.Sprintf("status %d", resp.StatusCode)
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 512)); err == nil && len(body) > 0 {
		detail = fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apierr.New(apierr.KindAuthorizationRejected, detail)
	case resp.StatusCode == http.StatusNotFound:
		return apierr.New(apierr.KindNotFound, detail)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return apierr.New(apierr.KindValidationRejected, detail)
	case resp.StatusCode >= 500:
		return apierr.New(apierr.KindServerFault, detail)
	default:
		return apierr.New(apierr.KindUnknown, detail)
	}
}
