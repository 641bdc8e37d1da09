// Package directory is the REST client for the call directory: creating
// calls and joining them. Signaling traffic stays on the websocket channel;
// the directory only hands out call IDs, rosters, and ICE configuration.
package directory

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
	"time"

	"github.com/peerdial/peerdial/internal/wire"
)

const DefaultRequestTimeout = 10 * time.Second

// Responses larger than this are treated as malformed.
const maxResponseBytes = 1 << 20

// ErrInvalidResponse reports a directory reply that could not be decoded or
// was missing required fields.
var ErrInvalidResponse = errors.New("directory: invalid response")

// APIError reports a request the directory understood and refused.
type APIError struct {
	Reason string
}

func (e *APIError) Error() string {
	if e.Reason == "" {
		return "directory: request rejected"
	}
	return "directory: request rejected: " + e.Reason
}

// BaseURLFromSignaling derives the REST origin from a signaling websocket
// URL: ws becomes http, wss becomes https, the path is discarded.
func BaseURLFromSignaling(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("directory: parse signaling url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("directory: signaling url has scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("directory: signaling url has no host")
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	base *url.URL
	http *http.Client
	log  *slog.Logger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("directory: parse base url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("directory: base url %q is not http(s)", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		base: base,
		http: httpClient,
		log:  log.With("component", "directory"),
	}, nil
}

// CreatedCall is the outcome of a successful CreateCall.
type CreatedCall struct {
	CallID string
	Config wire.CallConfig
}

// JoinedCall is the outcome of a successful JoinCall. Participants lists the
// members present before this join.
type JoinedCall struct {
	CallID        string
	ParticipantID string
	Participants  []wire.Participant
	Config        wire.CallConfig
}

// CreateCall registers a new call and returns its ID and ICE configuration.
func (c *Client) CreateCall(ctx context.Context, req wire.CreateCallRequest) (CreatedCall, error) {
	if err := req.Validate(); err != nil {
		return CreatedCall{}, fmt.Errorf("directory: %w", err)
	}

	endpoint := c.base.JoinPath("api", "calls")
	body, err := c.post(ctx, endpoint.String(), req)
	if err != nil {
		return CreatedCall{}, err
	}

	resp, err := wire.DecodeData[wire.CreateCallResponse](body)
	if err != nil {
		return CreatedCall{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !resp.Success {
		return CreatedCall{}, &APIError{Reason: resp.Error}
	}
	if resp.CallID == "" || resp.Config == nil {
		return CreatedCall{}, fmt.Errorf("%w: create reply missing callId or config", ErrInvalidResponse)
	}

	c.log.Debug("call created", "callId", resp.CallID)
	return CreatedCall{CallID: resp.CallID, Config: *resp.Config}, nil
}

// JoinCall registers the caller as a participant and returns the assigned
// participant ID, the prior roster, and the ICE configuration.
func (c *Client) JoinCall(ctx context.Context, callID string, req wire.JoinCallRequest) (JoinedCall, error) {
	if callID == "" {
		return JoinedCall{}, fmt.Errorf("directory: join call missing callId")
	}
	if err := req.Validate(); err != nil {
		return JoinedCall{}, fmt.Errorf("directory: %w", err)
	}

	endpoint := c.base.JoinPath("api", "calls", callID, "join")
	body, err := c.post(ctx, endpoint.String(), req)
	if err != nil {
		return JoinedCall{}, err
	}

	resp, err := wire.DecodeData[wire.JoinCallResponse](body)
	if err != nil {
		return JoinedCall{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !resp.Success {
		return JoinedCall{}, &APIError{Reason: resp.Error}
	}
	if resp.CallID == "" || resp.ParticipantID == "" || resp.Config == nil {
		return JoinedCall{}, fmt.Errorf("%w: join reply missing callId, participantId or config", ErrInvalidResponse)
	}

	c.log.Debug("call joined", "callId", resp.CallID, "participantId", resp.ParticipantID)
	return JoinedCall{
		CallID:        resp.CallID,
		ParticipantID: resp.ParticipantID,
		Participants:  resp.Participants,
		Config:        *resp.Config,
	}, nil
}

// post sends a JSON body and returns the response bytes. Directory errors
// arrive as JSON bodies regardless of status code, so the caller decodes the
// body even for non-2xx replies.
func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("directory: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("directory: read response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrInvalidResponse, maxResponseBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The server reports refusals as {success:false,error} with a
		// matching status; surface undecodable bodies as invalid.
		apiResp, decodeErr := wire.DecodeData[wire.CreateCallResponse](body)
		if decodeErr == nil && !apiResp.Success {
			return nil, &APIError{Reason: apiResp.Error}
		}
		return nil, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}
	return body, nil
}
