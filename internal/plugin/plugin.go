// Package plugin talks to the external node handler service that implements node-type business logic.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/internal/request"
	"github.com/nodeflow/nodeflow/model"
)

// UnknownNodeTypeMessage is the error text the handler service uses for node types it does not implement.
const UnknownNodeTypeMessage = "unknown node type"

// ErrUnknownNodeType is returned when the handler service has no handler for a node type.
var ErrUnknownNodeType = errors.New(UnknownNodeTypeMessage)

type executeRequest struct {
	NodeType string                 `json:"node_type"`
	Input    map[string]interface{} `json:"input"`
}

// Client executes nodes through the handler service.
type Client struct {
	url    string
	client *request.Client
}

// NewClient returns nil when no handler service is configured.
func NewClient(cfg config.PluginHttpService) *Client {
	if cfg.Url == "" {
		return nil
	}
	headers := map[string]string{}
	if cfg.Headers.Authorization != "" {
		headers["Authorization"] = cfg.Headers.Authorization
	}
	return &Client{url: cfg.Url, client: request.New(cfg.Timeout, headers)}
}

// Execute runs nodeType with input. A handler-reported failure is returned as an error carrying the
// handler's message; ErrUnknownNodeType is wrapped when the handler does not know the type.
func (c *Client) Execute(ctx context.Context, nodeType string, input map[string]interface{}) (model.NodeResult, error) {
	var result model.NodeResult
	_, err := c.client.PostJSON(ctx, c.url, executeRequest{NodeType: nodeType, Input: input}, &result)
	if err != nil {
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && isUnknownType(statusErr.Body) {
			return result, fmt.Errorf("%w: %s", ErrUnknownNodeType, nodeType)
		}
		return result, fmt.Errorf("node handler request failed: %w", err)
	}

	if !result.Success {
		if isUnknownType(result.Error) {
			return result, fmt.Errorf("%w: %s", ErrUnknownNodeType, nodeType)
		}
		msg := result.Error
		if msg == "" {
			msg = "node handler reported failure"
		}
		return result, errors.New(msg)
	}
	return result, nil
}

func isUnknownType(msg string) bool {
	return strings.Contains(strings.ToLower(msg), UnknownNodeTypeMessage)
}
