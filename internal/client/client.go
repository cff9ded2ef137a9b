package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/TimurManjosov/gopersonalize/internal/content"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
	"github.com/TimurManjosov/gopersonalize/internal/visitor"
)

// Client is an HTTP client for the personalization API
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (status %d, %s): %s", e.Status, e.Code, e.Message)
}

// ConditionType describes a registered condition type as listed by the server.
type ConditionType struct {
	Identifier  string   `json:"identifier"`
	Description string   `json:"description"`
	MeasureKey  string   `json:"measure_key"`
	Kind        string   `json:"kind"`
	Usable      bool     `json:"usable"`
	Unmet       []string `json:"unmet"`
	Comparators []struct {
		Key   string `json:"key"`
		Label string `json:"label"`
	} `json:"comparators"`
}

// ListRules retrieves every stored rule
func (c *Client) ListRules(ctx context.Context) ([]rules.Rule, error) {
	var result struct {
		Rules []rules.Rule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/rules", nil, &result); err != nil {
		return nil, err
	}
	return result.Rules, nil
}

// GetRule retrieves a single rule by id
func (c *Client) GetRule(ctx context.Context, id int64) (*rules.Rule, error) {
	var result struct {
		Rule rules.Rule `json:"rule"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/rules/"+strconv.FormatInt(id, 10), nil, &result); err != nil {
		return nil, err
	}
	return &result.Rule, nil
}

// CreateRule stores a new rule and returns it with its id
func (c *Client) CreateRule(ctx context.Context, r rules.Rule) (*rules.Rule, error) {
	var result struct {
		Rule rules.Rule `json:"rule"`
	}
	body := map[string]any{
		"name":        r.Name,
		"category_id": r.CategoryID,
		"type":        r.Type,
		"operator":    r.Operator,
		"conditions":  r.Conditions,
	}
	if err := c.do(ctx, http.MethodPost, "/admin/rules", body, &result); err != nil {
		return nil, err
	}
	return &result.Rule, nil
}

// CloneRule stores a custom copy of a rule
func (c *Client) CloneRule(ctx context.Context, id int64) (*rules.Rule, error) {
	var result struct {
		Rule rules.Rule `json:"rule"`
	}
	path := "/admin/rules/" + strconv.FormatInt(id, 10) + "/clone"
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result.Rule, nil
}

// DeleteRule deletes a rule. The server refuses rules still in use.
func (c *Client) DeleteRule(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/admin/rules/"+strconv.FormatInt(id, 10), nil, nil)
}

// ListConditions retrieves the condition types grouped by category
func (c *Client) ListConditions(ctx context.Context) (map[string][]ConditionType, error) {
	var result struct {
		Conditions map[string][]ConditionType `json:"conditions"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/conditions", nil, &result); err != nil {
		return nil, err
	}
	return result.Conditions, nil
}

// SaveContent stores an origin document
func (c *Client) SaveContent(ctx context.Context, doc content.Document) (*content.Result, error) {
	var result content.Result
	body := map[string]string{"kind": doc.Kind, "title": doc.Title, "body": doc.Body}
	if err := c.do(ctx, http.MethodPut, "/admin/content/"+url.PathEscape(doc.Ref), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteContent removes an origin document with its mappings
func (c *Client) DeleteContent(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/admin/content/"+url.PathEscape(ref), nil, nil)
}

// ResolveBlocks asks the server which of refs render for the visitor. Entries
// are nil for blocks that do not render.
func (c *Client) ResolveBlocks(ctx context.Context, refs []string, vc visitor.Context) ([]*string, error) {
	body := struct {
		Blocks []string `json:"blocks"`
		visitor.Context
	}{Blocks: refs, Context: vc}
	if body.DeviceType == nil {
		body.DeviceType = []string{}
	}

	var result []*string
	if err := c.do(ctx, http.MethodPost, "/v2/blocks", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// do sends a JSON request and decodes a JSON answer into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(bodyBytes, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bodyBytes)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
