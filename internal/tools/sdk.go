package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxbridge/pkg/provider/llm"
)

// sdkConnector dials MCP servers over streamable HTTP with the official SDK.
// One client manages every session.
type sdkConnector struct {
	client *mcpsdk.Client
}

func newSDKConnector() *sdkConnector {
	return &sdkConnector{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxbridge-tools", Version: "1.0.0"},
			nil,
		),
	}
}

func (c *sdkConnector) connect(ctx context.Context, url string) (toolSession, error) {
	session, err := c.client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: url}, nil)
	if err != nil {
		return nil, err
	}
	return &sdkSession{session: session}, nil
}

type sdkSession struct {
	session *mcpsdk.ClientSession
}

func (s *sdkSession) list(ctx context.Context) ([]llm.ToolDefinition, error) {
	var defs []llm.ToolDefinition
	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}
	return defs, nil
}

func (s *sdkSession) call(ctx context.Context, name, args string) (string, bool, error) {
	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", false, fmt.Errorf("invalid args JSON: %w", err)
		}
	}
	res, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: argsMap})
	if err != nil {
		return "", false, err
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), res.IsError, nil
}

func (s *sdkSession) close() error {
	return s.session.Close()
}

// schemaToMap converts any schema value into the map form the providers
// expect. Unparseable schemas degrade to a bare object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
