package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrUpstreamUnavailable wraps any network or page failure. Callers abort the
// current cycle and retry on the next tick.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// RawPage is one page of history, most recent first. Next is the opaque resume
// token for the following page, empty once the history is exhausted.
type RawPage struct {
	Items []json.RawMessage
	Next  string
}

// Source is the read-only upstream collaborator.
type Source interface {
	Page(ctx context.Context, token string) (RawPage, error)
	Counters(ctx context.Context) (int64, error)
}

// Client talks to a Blockscout style explorer API.
type Client struct {
	BaseURL string
	Address string
	JWT     string
	Retry   RetryConfig
	HTTP    *http.Client
}

// NewClient returns a Client for address with default retry settings.
func NewClient(baseURL, address string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Address: address,
		Retry:   DefaultRetryConfig(),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type pageResponse struct {
	Items          []json.RawMessage          `json:"items"`
	NextPageParams map[string]json.RawMessage `json:"next_page_params"`
}

type countersResponse struct {
	TransactionsCount json.RawMessage `json:"transactions_count"`
}

// Page fetches one page of transactions sent to the monitored address.
func (c *Client) Page(ctx context.Context, token string) (RawPage, error) {
	l := log.WithFields(log.Fields{
		"package": "upstream",
		"func":    "Page",
		"addr":    c.Address,
	})
	params, err := url.ParseQuery(token)
	if err != nil {
		return RawPage{}, fmt.Errorf("%w: bad resume token: %v", ErrUpstreamUnavailable, err)
	}
	params.Set("filter", "to")
	path := fmt.Sprintf("/api/v2/addresses/%s/transactions", url.PathEscape(c.Address))
	var pr pageResponse
	err = withBackoff(ctx, c.Retry, "page", func() error {
		return c.getJSON(ctx, path, params, &pr)
	})
	if err != nil {
		l.Error(err)
		return RawPage{}, wrapUnavailable(ctx, err)
	}
	l.Debugf("page items=%d", len(pr.Items))
	return RawPage{Items: pr.Items, Next: encodeToken(pr.NextPageParams)}, nil
}

// Counters returns the authoritative transaction total for the address.
func (c *Client) Counters(ctx context.Context) (int64, error) {
	l := log.WithFields(log.Fields{
		"package": "upstream",
		"func":    "Counters",
		"addr":    c.Address,
	})
	path := fmt.Sprintf("/api/v2/addresses/%s/counters", url.PathEscape(c.Address))
	var cr countersResponse
	err := withBackoff(ctx, c.Retry, "counters", func() error {
		return c.getJSON(ctx, path, nil, &cr)
	})
	if err != nil {
		l.Error(err)
		return 0, wrapUnavailable(ctx, err)
	}
	n, err := parseBlock(cr.TransactionsCount)
	if err != nil {
		return 0, fmt.Errorf("%w: transactions_count: %v", ErrUpstreamUnavailable, err)
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	l := log.WithFields(log.Fields{
		"package": "upstream",
		"func":    "getJSON",
		"path":    path,
	})
	ur := c.BaseURL + path
	if len(params) > 0 {
		ur += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ur, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.JWT != "" {
		req.Header.Add("Authorization", "Bearer "+c.JWT)
	}
	l.Debugf("Request: %s", req.URL.String())
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	bd, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		l.Debugf("Response: %s", string(bd))
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return json.Unmarshal(bd, out)
}

func wrapUnavailable(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// encodeToken flattens next_page_params into a query string. Keys are sorted
// so equal params give equal tokens.
func encodeToken(params map[string]json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	v := url.Values{}
	for _, k := range keys {
		raw := params[k]
		if string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			v.Set(k, s)
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			v.Set(k, strconv.FormatBool(b))
			continue
		}
		v.Set(k, string(raw))
	}
	return v.Encode()
}
