package callclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// ErrCallNotFound is returned for an unknown call ID.
var ErrCallNotFound = errors.New("call not found")

// ErrTurnInProgress is returned when the call is already processing a turn.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// Client talks to the voice pipeline's call API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client. The client must not
// set a Timeout that would cut off long turn streams; use request contexts
// for deadlines instead.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCall starts a new call session and returns its ID.
func (c *Client) CreateCall(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create call request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", apiError(resp)
	}
	var body struct {
		CallID string `json:"callId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("malformed create call response: %w", err)
	}
	if body.CallID == "" {
		return "", fmt.Errorf("create call response has no callId")
	}
	return body.CallID, nil
}

// SendTurn submits a ready transcript for one turn and consumes the reply
// stream through h. It returns once the stream terminates. Cancelling ctx
// aborts the turn without an error.
func (c *Client) SendTurn(ctx context.Context, callID, transcript string, h Handlers) error {
	payload, err := json.Marshal(map[string]string{"transcript": transcript})
	if err != nil {
		return err
	}
	return c.streamTurn(ctx, callID, "application/json", bytes.NewReader(payload), h)
}

// SendTurnAudio submits a recorded utterance for one turn; the service
// transcribes it before replying.
func (c *Client) SendTurnAudio(ctx context.Context, callID string, audio io.Reader, filename string, h Handlers) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return fmt.Errorf("failed to buffer audio upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return c.streamTurn(ctx, callID, mw.FormDataContentType(), &body, h)
}

func (c *Client) streamTurn(ctx context.Context, callID, contentType string, body io.Reader, h Handlers) error {
	url := fmt.Sprintf("%s/calls/%s/turns", c.baseURL, callID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("turn request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return Consume(ctx, resp.Body, h)
}

// apiError maps a non-streaming failure response to an error.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrCallNotFound
	case http.StatusConflict:
		return ErrTurnInProgress
	}
	if body.Error != "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("request failed with status %d", resp.StatusCode)
}
