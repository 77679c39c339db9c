package remote

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
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/syncerr"
)

// endpoint describes where a kind lives in the API
type endpoint struct {
	collection string
	// pathField holds the logical path in listed payloads
	pathField string
	// prefix is prepended to pathField values to form the logical path
	prefix string
	// singleton kinds have exactly one instance and no path
	singleton bool
}

var endpoints = map[entity.Kind]endpoint{
	entity.KindScript:        {collection: "scripts", pathField: "path"},
	entity.KindFlow:          {collection: "flows", pathField: "path"},
	entity.KindApp:           {collection: "apps", pathField: "path"},
	entity.KindResource:      {collection: "resources", pathField: "path"},
	entity.KindResourceType:  {collection: "resources/type", pathField: "name"},
	entity.KindVariable:      {collection: "variables", pathField: "path"},
	entity.KindSchedule:      {collection: "schedules", pathField: "path"},
	entity.KindFolder:        {collection: "folders", pathField: "name", prefix: "f/"},
	entity.KindUser:          {collection: "users", pathField: "username"},
	entity.KindGroup:         {collection: "groups", pathField: "name"},
	entity.KindSettings:      {collection: "settings", singleton: true},
	entity.KindEncryptionKey: {collection: "encryption_key", singleton: true},
}

// maxErrorBody caps how much of an error response ends up in messages
const maxErrorBody = 4096

// HTTPClient implements Client over the workspace HTTP API
type HTTPClient struct {
	baseURL   string
	workspace string
	token     string
	http      *http.Client
	logger    *slog.Logger
}

// NewHTTPClient creates a client for workspace at baseURL
func NewHTTPClient(baseURL, workspace, token string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		workspace: workspace,
		token:     token,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

func lookup(kind entity.Kind) (endpoint, error) {
	ep, ok := endpoints[kind]
	if !ok {
		return endpoint{}, syncerr.Validation(string(kind), fmt.Errorf("no API endpoint for kind %q", kind))
	}
	return ep, nil
}

// List returns every entity of kind
func (c *HTTPClient) List(ctx context.Context, kind entity.Kind, opts ReadOptions) ([]Item, error) {
	ep, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	if opts.PlainSecrets {
		query.Set("plain_secrets", "true")
	}

	if ep.singleton {
		var payload any
		if err := c.do(ctx, http.MethodGet, c.url(ep.collection, "get", query), nil, &payload, string(kind)); err != nil {
			return nil, err
		}
		if payload == nil {
			return nil, nil
		}
		return []Item{{Path: entity.SingletonPath(kind), Payload: payload}}, nil
	}

	query.Set("with_content", "true")
	var payloads []map[string]any
	if err := c.do(ctx, http.MethodGet, c.url(ep.collection, "list", query), nil, &payloads, string(kind)); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(payloads))
	for _, p := range payloads {
		name, _ := p[ep.pathField].(string)
		if name == "" {
			c.logger.Warn("skipping remote entity without path", "kind", kind, "field", ep.pathField)
			continue
		}
		items = append(items, Item{Path: ep.prefix + name, Payload: p})
	}
	return items, nil
}

// Create adds a new entity at path
func (c *HTTPClient) Create(ctx context.Context, kind entity.Kind, path string, payload any, opts WriteOptions) error {
	ep, err := lookup(kind)
	if err != nil {
		return err
	}
	if ep.singleton {
		return c.Update(ctx, kind, path, payload, opts)
	}
	body, err := withPath(payload, ep, path)
	if err != nil {
		return syncerr.Validation(path, err)
	}
	return c.do(ctx, http.MethodPost, c.url(ep.collection, "create", writeQuery(kind, opts)), body, nil, path)
}

// Update replaces the entity at path
func (c *HTTPClient) Update(ctx context.Context, kind entity.Kind, path string, payload any, opts WriteOptions) error {
	ep, err := lookup(kind)
	if err != nil {
		return err
	}
	if ep.singleton {
		return c.do(ctx, http.MethodPost, c.url(ep.collection, "update", writeQuery(kind, opts)), payload, nil, path)
	}
	body, err := withPath(payload, ep, path)
	if err != nil {
		return syncerr.Validation(path, err)
	}
	return c.do(ctx, http.MethodPost, c.url(ep.collection, "update/"+strings.TrimPrefix(path, ep.prefix), writeQuery(kind, opts)), body, nil, path)
}

// Delete removes the entity at path
func (c *HTTPClient) Delete(ctx context.Context, kind entity.Kind, path string) error {
	ep, err := lookup(kind)
	if err != nil {
		return err
	}
	if ep.singleton {
		return syncerr.Validation(path, fmt.Errorf("%s cannot be deleted", kind))
	}
	return c.do(ctx, http.MethodDelete, c.url(ep.collection, "delete/"+strings.TrimPrefix(path, ep.prefix), nil), nil, nil, path)
}

// UploadArtifact stores a bundled artifact for the script at path
func (c *HTTPClient) UploadArtifact(ctx context.Context, path, digest string, artifact io.Reader) error {
	query := url.Values{}
	query.Set("path", path)
	u := c.url("scripts", "artifact/"+url.PathEscape(digest), query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, artifact)
	if err != nil {
		return syncerr.Validation(path, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.send(req, nil, path)
}

func writeQuery(kind entity.Kind, opts WriteOptions) url.Values {
	query := url.Values{}
	if kind == entity.KindVariable || kind == entity.KindResource {
		query.Set("already_encrypted", strconv.FormatBool(!opts.PlainSecrets))
	}
	return query
}

// withPath returns a copy of payload carrying the entity's path field
func withPath(payload any, ep endpoint, path string) (map[string]any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload must be an object, got %T", payload)
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[ep.pathField] = strings.TrimPrefix(path, ep.prefix)
	return out, nil
}

func (c *HTTPClient) url(collection, action string, query url.Values) string {
	u := fmt.Sprintf("%s/api/w/%s/%s/%s", c.baseURL, url.PathEscape(c.workspace), collection, action)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends an optional JSON body and decodes an optional JSON response
func (c *HTTPClient) do(ctx context.Context, method, u string, body, out any, path string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return syncerr.Validation(path, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return syncerr.Validation(path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out, path)
}

// send executes req and classifies failures: network errors, 429 and 5xx
// are transport errors, every other non-2xx status is a validation error
func (c *HTTPClient) send(req *http.Request, out any, path string) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("remote request", "method", req.Method, "url", req.URL.Path)
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return syncerr.Transport(path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return syncerr.Transport(path, statusErr)
		}
		return syncerr.Validation(path, statusErr)
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return syncerr.Validation(path, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
