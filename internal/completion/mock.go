package completion

import (
	"context"
	"fmt"
	"strings"
)

// MockClient provides deterministic local replies when no completion
// service is configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	text := strings.TrimSpace(req.UserText)
	if text == "" {
		text = "..."
	}
	return Response{Text: fmt.Sprintf("I heard you: %s", text)}, nil
}
