// Package bilprospekt talks to the Bilprospekt prospect API: the update-date probe,
// per-partition counts, and paginated prospect search.
package bilprospekt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var (
	ErrMissingCredentials  = errors.New("bilprospekt: api key is not configured")
	ErrUnauthorized        = errors.New("bilprospekt: credentials rejected")
	ErrUpstreamUnavailable = errors.New("bilprospekt: upstream unavailable")
)

const maxErrorBody = 512

// Filter selects one partition of the prospect space.
type Filter struct {
	Region   string `json:"region"`
	YearFrom int    `json:"year_from"`
	YearTo   int    `json:"year_to"`
	Brand    string `json:"brand,omitempty"`
}

func (f Filter) String() string {
	s := fmt.Sprintf("region=%s years=%d-%d", f.Region, f.YearFrom, f.YearTo)
	if f.Brand != "" {
		s += " brand=" + f.Brand
	}
	return s
}

// SearchPage is one page of raw search results.
type SearchPage struct {
	Total   int
	Records []gjson.Result
}

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: timeout},
	}
}

// HasCredentials reports whether an API key is configured.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// UpdateDate returns the date the upstream dataset last changed.
func (c *Client) UpdateDate(ctx context.Context) (Version, error) {
	body, err := c.do(ctx, http.MethodGet, "/prospects/meta", nil)
	if err != nil {
		return "", err
	}

	v := firstString(body, "data.update_date", "update_date", "data.updateDate")
	if v == "" {
		return "", fmt.Errorf("%w: meta response has no update date", ErrUpstreamUnavailable)
	}
	return Version(v), nil
}

// Count returns the number of prospects matching the filter.
func (c *Client) Count(ctx context.Context, f Filter) (int, error) {
	body, err := c.do(ctx, http.MethodPost, "/prospects/count", map[string]any{"filter": f})
	if err != nil {
		return 0, err
	}

	for _, path := range []string{"count", "data.count", "total"} {
		if r := gjson.GetBytes(body, path); r.Exists() {
			return int(r.Int()), nil
		}
	}
	return 0, fmt.Errorf("count response for %s has no count", f)
}

// Search returns one page (1-based) of prospects matching the filter.
func (c *Client) Search(ctx context.Context, f Filter, page, pageSize int) (*SearchPage, error) {
	body, err := c.do(ctx, http.MethodPost, "/prospects/search", map[string]any{
		"filter":    f,
		"page":      page,
		"page_size": pageSize,
	})
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, fmt.Errorf("search response for %s page %d has no data array", f, page)
	}
	return &SearchPage{
		Total:   int(gjson.GetBytes(body, "total").Int()),
		Records: data.Array(),
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingCredentials
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUpstreamUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUpstreamUnavailable, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %w: HTTP %d", ErrUnauthorized, ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s: HTTP %d: %s", ErrUpstreamUnavailable, method, path, resp.StatusCode, snippet(body))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, snippet(body))
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s %s: malformed JSON response", method, path)
	}
	return body, nil
}

func firstString(body []byte, paths ...string) string {
	for _, p := range paths {
		if r := gjson.GetBytes(body, p); r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

// snippet trims an error body to maxErrorBody bytes of valid UTF-8.
func snippet(b []byte) string {
	s := strings.ToValidUTF8(strings.TrimSpace(string(b)), "\uFFFD")
	if len(s) <= maxErrorBody {
		return s
	}
	i := maxErrorBody
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + "..."
}
