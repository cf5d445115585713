package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quantumflow/querypilot/internal/models"
)

const protocolVersion = "2024-11-05"

// ServerInfo identifies the backend after the handshake
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"-"`
}

// Client speaks the tool protocol over a Transport
type Client struct {
	transport Transport
	info      ServerInfo
}

// NewClient wraps a transport
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// Initialize performs the protocol handshake
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "querypilot",
			"version": "1.0.0",
		},
	}

	raw, err := c.transport.Call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("initialize: malformed result: %w", err)
	}
	c.info = result.ServerInfo
	c.info.ProtocolVersion = result.ProtocolVersion

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Info returns what the backend reported during the handshake
func (c *Client) Info() ServerInfo {
	return c.info
}

// ListTools fetches the full tool catalog, following pagination cursors
func (c *Client) ListTools(ctx context.Context) ([]models.ToolSpec, error) {
	var specs []models.ToolSpec
	cursor := ""

	for {
		var params interface{}
		if cursor != "" {
			params = map[string]interface{}{"cursor": cursor}
		}

		raw, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var page struct {
			Tools []struct {
				Name        string          `json:"name"`
				Description string          `json:"description"`
				InputSchema json.RawMessage `json:"inputSchema"`
			} `json:"tools"`
			NextCursor string `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("tools/list: malformed result: %w", err)
		}

		for _, t := range page.Tools {
			specs = append(specs, models.ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}

		if page.NextCursor == "" {
			return specs, nil
		}
		cursor = page.NextCursor
	}
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallTool runs a tool and returns its text output.
// A result flagged isError is returned as an error carrying the text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	raw, err := c.transport.Call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Content []contentPart `json:"content"`
		IsError bool          `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("malformed tools/call result: %w", err)
	}

	parts := make([]string, 0, len(result.Content))
	for _, part := range result.Content {
		if part.Type == "text" {
			parts = append(parts, part.Text)
		} else {
			parts = append(parts, fmt.Sprintf("[%s content]", part.Type))
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// Close closes the underlying transport
func (c *Client) Close() error {
	return c.transport.Close()
}
