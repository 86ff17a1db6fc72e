// Package client talks to the annotator HTTP API on behalf of a review
// session.
package client

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/config"
	"github.com/JakeFAU/page-annotator/internal/session"
)

const maxErrorBody = 4 << 10

// Options configures a Client.
type Options struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	// Schema converts saved values back to their persisted form. State
	// replaces it with the server's schema.
	Schema annotator.Schema
}

// Client implements session.Backend over HTTP.
type Client struct {
	base   *url.URL
	http   *http.Client
	opts   Options
	logger *zap.Logger
}

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned HTTP %d: %s", e.StatusCode, e.Message)
}

// State is the bootstrap payload of a review session.
type State struct {
	Config  config.ClientView
	Rows    []annotator.Row
	Records map[string]annotator.Record
}

// Schema returns the annotation schema described by the server config.
func (s State) Schema() annotator.Schema {
	return annotator.Schema{
		Fields:           s.Config.AnnotationFields,
		DefaultSeparator: s.Config.DefaultListSeparator,
	}
}

// New builds a Client. A nil httpClient uses a fresh client with opts.Timeout.
func New(opts Options, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", opts.BaseURL)
	}
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, http: httpClient, opts: opts, logger: logger.Named("client")}, nil
}

// FrameCheck asks the server whether the row's page refuses framing. Any
// failure is reported as *annotator.ProbeError.
func (c *Client) FrameCheck(ctx context.Context, rowID string) (session.FrameCheck, error) {
	var out session.FrameCheck
	target := c.endpoint("api", "frame-check", rowID)
	if err := c.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return session.FrameCheck{}, &annotator.ProbeError{URL: target, Err: err}
	}
	return out, nil
}

// Save posts the row's values. Any failure is reported as
// *annotator.PersistenceError.
func (c *Client) Save(
	ctx context.Context,
	rowID string,
	values map[string]annotator.Value,
	reviewer string,
) (annotator.UpsertResult, error) {
	body := saveRequest{Values: values, Annotator: reviewer}
	if body.Values == nil {
		body.Values = map[string]annotator.Value{}
	}
	var resp saveResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint("api", "annotation", rowID), body, &resp); err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}
	if resp.Warning != "" {
		c.logger.Debug("save reported a warning", zap.String("row_id", rowID), zap.String("warning", resp.Warning))
	}
	return annotator.UpsertResult{
		Record: annotator.Record{
			RowID:     rowID,
			Values:    c.opts.Schema.Encode(resp.Values),
			Annotator: resp.Annotator,
		},
		Previous: resp.PreviousAnnotator,
	}, nil
}

// ProxyURL is the frame source for the proxied copy of a row.
func (c *Client) ProxyURL(rowID string) string {
	target := c.endpoint("api", "proxy", rowID)
	if c.opts.APIKey == "" {
		return target
	}
	return target + "?" + url.Values{"api_key": {c.opts.APIKey}}.Encode()
}

// State loads the dataset, configuration and current annotations. The
// client's schema is replaced with the server's.
func (c *Client) State(ctx context.Context) (State, error) {
	var resp stateResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint("api", "state"), nil, &resp); err != nil {
		return State{}, fmt.Errorf("load state: %w", err)
	}
	st := State{Config: resp.Config, Rows: resp.Entries, Records: make(map[string]annotator.Record, len(resp.Annotations))}
	schema := st.Schema()
	for id, values := range resp.Annotations {
		st.Records[id] = annotator.Record{
			RowID:     id,
			Values:    schema.Encode(values),
			Annotator: resp.Annotators[id],
		}
	}
	for id, who := range resp.Annotators {
		if _, ok := st.Records[id]; !ok {
			st.Records[id] = annotator.Record{RowID: id, Values: map[string]string{}, Annotator: who}
		}
	}
	c.opts.Schema = schema
	return st, nil
}

// Resume returns the index and row ID the reviewer should continue from.
func (c *Client) Resume(ctx context.Context, reviewer string) (int, string, error) {
	target := c.endpoint("api", "resume") + "?" + url.Values{"annotator": {reviewer}}.Encode()
	var resp resumeResponse
	if err := c.do(ctx, http.MethodGet, target, nil, &resp); err != nil {
		return 0, "", fmt.Errorf("resume %q: %w", reviewer, err)
	}
	return resp.Index, resp.RowID, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully consumed below

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", target, err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// IsStatus reports whether err is an API response with the given status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

type saveRequest struct {
	Values    map[string]annotator.Value `json:"values"`
	Annotator string                     `json:"annotator"`
}

type saveResponse struct {
	Values            map[string]annotator.Value `json:"values"`
	Annotator         string                     `json:"annotator"`
	PreviousAnnotator string                     `json:"previous_annotator"`
	Warning           string                     `json:"warning"`
}

type stateResponse struct {
	Config      config.ClientView                     `json:"config"`
	Entries     []annotator.Row                       `json:"entries"`
	Annotations map[string]map[string]annotator.Value `json:"annotations"`
	Annotators  map[string]string                     `json:"annotators"`
}

type resumeResponse struct {
	Index int    `json:"index"`
	RowID string `json:"row_id"`
}
