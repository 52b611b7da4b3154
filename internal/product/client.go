package product

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Search failure classes. Callers branch on these with errors.Is.
var (
	// ErrUnauthorized means the gateway rejected the signature or credentials.
	// Retrying the same run will not help.
	ErrUnauthorized = errors.New("search authentication rejected")
	// ErrProvider means the gateway answered with an explicit non-success status.
	ErrProvider = errors.New("search provider error")
	// ErrTransport covers network failures and timeouts.
	ErrTransport = errors.New("search transport failure")
	// ErrMalformed means the body was not a recognizable envelope.
	ErrMalformed = errors.New("search response malformed")
)

// MaxPageSize is the largest page the gateway accepts without rejecting the call.
const MaxPageSize = 10

const maxBodyBytes = 4 << 20

// APIError carries the gateway's own status for a failed search.
type APIError struct {
	Kind    error
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v (status=%d code=%q message=%q)", e.Kind, e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// Authorizer produces the Authorization header for a canonical request.
type Authorizer interface {
	Authorization(method, path, query string) string
}

// Unconfigured stands in for a Client when no credentials are set. Every
// search fails as unauthorized, so a run stops searching immediately and goes
// straight to the site rebuild.
type Unconfigured struct{}

// Search always returns ErrUnauthorized.
func (Unconfigured) Search(context.Context, Request) ([]Record, error) {
	return nil, &APIError{Kind: ErrUnauthorized, Message: "access and secret keys are not configured"}
}

// Config controls the search client.
type Config struct {
	BaseURL string
	Path    string
	SubID   string
	Timeout time.Duration
}

// Request is one page of a keyword search.
type Request struct {
	Keyword string
	Page    int
	Limit   int
}

// Client calls the product search gateway.
type Client struct {
	cfg    Config
	auth   Authorizer
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, auth Authorizer, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return nil, fmt.Errorf("path %q must start with /", cfg.Path)
	}
	if auth == nil {
		return nil, errors.New("authorizer is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, auth: auth, http: httpClient, logger: logger}, nil
}

// Search runs one keyword query. Every failure is logged here and returned as a
// typed error together with an empty result; a successful response without
// results yields an empty slice and a nil error.
func (c *Client) Search(ctx context.Context, req Request) ([]Record, error) {
	logger := c.logger.With(zap.String("keyword", req.Keyword), zap.Int("page", req.Page))

	records, err := c.search(ctx, req)
	if err != nil {
		var apiErr *APIError
		switch {
		case errors.Is(err, ErrUnauthorized):
			logger.Error("search rejected: check access and secret keys", zap.Error(err))
		case errors.As(err, &apiErr):
			logger.Warn("search returned provider error", zap.Error(err))
		default:
			logger.Warn("search failed", zap.Error(err))
		}
		return nil, err
	}
	if len(records) == 0 {
		logger.Info("search returned no products")
	} else {
		logger.Debug("search returned products", zap.Int("count", len(records)))
	}
	return records, nil
}

func (c *Client) search(ctx context.Context, req Request) ([]Record, error) {
	query := c.encodeQuery(req)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.Path+"?"+query, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json;charset=UTF-8")
	// Signed last so the timestamp is as fresh as possible.
	httpReq.Header.Set("Authorization", c.auth.Authorization(http.MethodGet, c.cfg.Path, query))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &APIError{Kind: ErrUnauthorized, Status: resp.StatusCode, Code: env.code(), Message: env.message()}
	}
	if decodeErr != nil {
		if resp.StatusCode/100 != 2 {
			return nil, &APIError{Kind: ErrProvider, Status: resp.StatusCode, Message: snippet(body)}
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformed, decodeErr)
	}
	if kind := env.failure(resp.StatusCode); kind != nil {
		return nil, &APIError{Kind: kind, Status: resp.StatusCode, Code: env.code(), Message: env.message()}
	}
	return c.normalize(env), nil
}

// encodeQuery builds the canonical query string. url.Values.Encode sorts by
// key, which is the ordering the gateway reconstructs when verifying.
func (c *Client) encodeQuery(req Request) string {
	limit := req.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	values := url.Values{}
	values.Set("keyword", req.Keyword)
	values.Set("limit", strconv.Itoa(limit))
	if req.Page > 1 {
		values.Set("page", strconv.Itoa(req.Page))
	}
	if c.cfg.SubID != "" {
		values.Set("subId", c.cfg.SubID)
	}
	return values.Encode()
}

func (c *Client) normalize(env envelope) []Record {
	if env.Data == nil {
		return []Record{}
	}
	out := make([]Record, 0, len(env.Data.ProductData))
	for i, raw := range env.Data.ProductData {
		var p rawProduct
		if err := json.Unmarshal(raw, &p); err != nil {
			c.logger.Debug("dropping undecodable product", zap.Int("index", i), zap.Error(err))
			continue
		}
		id := string(p.ProductID)
		name := strings.TrimSpace(p.ProductName)
		if id == "" || name == "" {
			c.logger.Debug("dropping product without id or name", zap.Int("index", i), zap.String("id", id))
			continue
		}
		out = append(out, Record{
			ID:        id,
			Name:      name,
			ImageURL:  NormalizeImageURL(strings.TrimSpace(p.ProductImage)),
			Price:     int64(p.ProductPrice),
			DetailURL: strings.TrimSpace(p.ProductURL),
		})
	}
	return out
}

var authMarkers = []string{"signature", "unauthorized", "authoriz", "access-key", "access key", "hmac", "signed-date"}

// failure classifies an envelope that decoded cleanly. An envelope with no
// status and no data is treated as malformed rather than as "no results".
func (e envelope) failure(status int) error {
	code := e.code()
	success := code == "" || code == "0" || strings.EqualFold(code, "SUCCESS")
	if success && status/100 == 2 {
		if code == "" && e.Data == nil {
			return ErrMalformed
		}
		return nil
	}
	if code == "401" || code == "403" || strings.EqualFold(code, "UNAUTHORIZED") {
		return ErrUnauthorized
	}
	msg := strings.ToLower(e.message())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return ErrUnauthorized
		}
	}
	return ErrProvider
}

func (e envelope) code() string {
	if e.RCode != "" {
		return string(e.RCode)
	}
	return string(e.Code)
}

func (e envelope) message() string {
	if e.RMessage != "" {
		return e.RMessage
	}
	return e.Message
}

// snippet trims a provider body for logging, cutting on a rune boundary so
// Korean messages stay valid UTF-8.
func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
