package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Generation failure classes.
var (
	// ErrRefused means the provider answered but produced no usable text,
	// typically because a safety filter blocked the prompt.
	ErrRefused = errors.New("generation refused")
	// ErrMalformed means the response body did not match the expected shape.
	ErrMalformed = errors.New("generation response malformed")
	// ErrDisabled means no API key is configured.
	ErrDisabled = errors.New("generation disabled")
)

const maxBodyBytes = 2 << 20

// StatusError reports a non-2xx answer from the provider.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation provider returned %d: %s", e.Status, e.Body)
}

// ClientConfig configures the text generation client.
type ClientConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// Client calls the generateContent endpoint of the text generation API.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient builds a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg ClientConfig, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient}, nil
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Generate sends prompt and returns the concatenated text of the first
// candidate.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{{Text: prompt}}}}})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.Model), url.QueryEscape(c.cfg.APIKey))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", redact(err, c.cfg.APIKey))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", &StatusError{Status: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(out.Candidates) == 0 {
		if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: prompt blocked (%s)", ErrRefused, out.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("%w: no candidates", ErrRefused)
	}

	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty text (finish reason %q)", ErrRefused, out.Candidates[0].FinishReason)
	}
	return text, nil
}

// redact keeps the API key out of transport errors, which embed the URL.
func redact(err error, key string) error {
	msg := err.Error()
	if key == "" || (!strings.Contains(msg, key) && !strings.Contains(msg, url.QueryEscape(key))) {
		return err
	}
	msg = strings.ReplaceAll(msg, url.QueryEscape(key), "REDACTED")
	msg = strings.ReplaceAll(msg, key, "REDACTED")
	return &redactedError{msg: msg, err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.err }

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
