package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/airgen-go/recordstore"
	"github.com/PipeOpsHQ/airgen-go/types"
)

const (
	DefaultBaseURL = "https://api.airtable.com"
	maxPageSize    = 100
	defaultLimit   = 100
)

type Client struct {
	apiKey     string
	baseID     string
	table      string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if strings.TrimSpace(baseURL) != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func New(apiKey, baseID, table string, opts ...Option) (*Client, error) {
	apiKey, baseID, table = strings.TrimSpace(apiKey), strings.TrimSpace(baseID), strings.TrimSpace(table)
	switch {
	case apiKey == "":
		return nil, fmt.Errorf("airtable api key is required")
	case baseID == "":
		return nil, fmt.Errorf("airtable base id is required")
	case table == "":
		return nil, fmt.Errorf("airtable table name is required")
	}
	c := &Client{
		apiKey:  apiKey,
		baseID:  baseID,
		table:   table,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type listResponse struct {
	Records []types.Record `json:"records"`
	Offset  string         `json:"offset"`
}

// Fetch returns up to limit records in store order, following pagination offsets.
func (c *Client) Fetch(ctx context.Context, limit int) ([]types.Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	out := make([]types.Record, 0, limit)
	offset := ""
	for len(out) < limit {
		q := url.Values{}
		q.Set("maxRecords", strconv.Itoa(limit))
		q.Set("pageSize", strconv.Itoa(min(maxPageSize, limit-len(out))))
		if offset != "" {
			q.Set("offset", offset)
		}

		body, err := c.do(ctx, http.MethodGet, c.tableURL()+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		var page listResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &recordstore.Error{Kind: recordstore.KindNetwork, Message: "decode airtable records", Err: err}
		}
		out = append(out, page.Records...)
		if page.Offset == "" || len(page.Records) == 0 {
			break
		}
		offset = page.Offset
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type patchRecord struct {
	ID     string       `json:"id"`
	Fields types.Fields `json:"fields"`
}

func (c *Client) Update(ctx context.Context, id string, patch types.Fields) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("record id is required")
	}
	raw, err := json.Marshal(map[string][]patchRecord{
		"records": {{ID: id, Fields: patch}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal airtable patch: %w", err)
	}
	_, err = c.do(ctx, http.MethodPatch, c.tableURL(), raw)
	return err
}

func (c *Client) tableURL() string {
	return c.baseURL + "/v0/" + url.PathEscape(c.baseID) + "/" + url.PathEscape(c.table)
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create airtable request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &recordstore.Error{Kind: recordstore.KindNetwork, Message: "airtable request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &recordstore.Error{Kind: recordstore.KindNetwork, Status: resp.StatusCode, Message: "read airtable response", Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &recordstore.Error{
			Kind:    recordstore.KindForStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: errorMessage(resp.StatusCode, body),
		}
	}
	return body, nil
}

// errorMessage prefers error.message, then a string error, then the raw body.
func errorMessage(status int, body []byte) string {
	if msg, err := jsonparser.GetString(body, "error", "message"); err == nil && msg != "" {
		return msg
	}
	if msg, err := jsonparser.GetString(body, "error"); err == nil && msg != "" {
		return msg
	}
	msg := fmt.Sprintf("Airtable Error %d: %s", status, http.StatusText(status))
	if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > 100 {
			text = text[:100]
		}
		msg += " (" + text + ")"
	}
	return msg
}
