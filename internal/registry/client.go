// Package registry looks up vehicles in the public vehicle registry by plate.
package registry

import (
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

	"github.com/tidwall/gjson"

	"lead-sync-service/internal/config"
)

// ErrNotFound means the registry answered but does not know the plate.
var ErrNotFound = errors.New("registry: vehicle not found")

const maxErrorBody = 256

type Owner struct {
	Name     string
	Type     string
	Location string
	// Since is zero when the registry does not publish the ownership date.
	Since time.Time
}

type MileageReading struct {
	Date time.Time
	Km   int64
}

// Vehicle is the parsed lookup result. Raw keeps the full response for storage.
type Vehicle struct {
	RegNumber string
	Make      string
	Model     string
	ModelYear int
	Owners    []Owner
	Mileage   []MileageReading
	Raw       json.RawMessage
}

// CurrentOwner returns the most recent owner, if any is listed.
func (v *Vehicle) CurrentOwner() (Owner, bool) {
	if len(v.Owners) == 0 {
		return Owner{}, false
	}
	return v.Owners[0], true
}

type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func NewClient(cfg config.RegistryConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// Lookup fetches one vehicle. It returns ErrNotFound for unknown plates and an
// error for any other non-2xx or unparseable response.
func (c *Client) Lookup(ctx context.Context, plate string) (*Vehicle, error) {
	endpoint := c.baseURL + "/vehicles/" + url.PathEscape(plate)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", plate, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", plate, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("lookup %s: HTTP %d: %s", plate, resp.StatusCode, snippet(body))
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("lookup %s: malformed JSON response", plate)
	}
	return parseVehicle(plate, body)
}

func parseVehicle(plate string, body []byte) (*Vehicle, error) {
	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.IsObject() {
		root = data
	}
	if found := root.Get("found"); found.Exists() && !found.Bool() {
		return nil, ErrNotFound
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("lookup %s: response is not an object", plate)
	}

	v := &Vehicle{
		RegNumber: root.Get("reg_number").String(),
		Make:      root.Get("make").String(),
		Model:     root.Get("model").String(),
		ModelYear: int(root.Get("model_year").Int()),
		Raw:       json.RawMessage(root.Raw),
	}
	if v.RegNumber == "" {
		v.RegNumber = plate
	}

	// Owners are listed newest first; some responses only carry current_owner.
	owners := root.Get("owners").Array()
	if len(owners) == 0 {
		if cur := root.Get("current_owner"); cur.IsObject() {
			owners = []gjson.Result{cur}
		}
	}
	for _, o := range owners {
		v.Owners = append(v.Owners, Owner{
			Name:     o.Get("name").String(),
			Type:     o.Get("type").String(),
			Location: firstOf(o, "location", "city", "municipality"),
			Since:    parseDate(firstOf(o, "since", "owned_since")),
		})
	}

	for _, m := range root.Get("mileage_history").Array() {
		km := m.Get("km")
		if km.Type != gjson.Number {
			continue
		}
		v.Mileage = append(v.Mileage, MileageReading{
			Date: parseDate(m.Get("date").String()),
			Km:   km.Int(),
		})
	}
	return v, nil
}

func firstOf(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := r.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

func parseDate(s string) time.Time {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
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
