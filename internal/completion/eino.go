package completion

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
)

// ModelClient sends a system plus user message pair to an eino chat model.
type ModelClient struct {
	chatModel model.BaseChatModel
}

func NewModelClient(chatModel model.BaseChatModel) *ModelClient {
	return &ModelClient{chatModel: chatModel}
}

// NewOpenAIClient targets any OpenAI-compatible chat completions API.
// maxTokens <= 0 leaves the cap to the provider.
func NewOpenAIClient(ctx context.Context, apiKey, baseURL, modelName string, maxTokens int) (*ModelClient, error) {
	cfg := &openai.ChatModelConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Model:   modelName,
	}
	if maxTokens > 0 {
		cfg.MaxTokens = &maxTokens
	}
	chatModel, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init openai chat model")
	}
	return NewModelClient(chatModel), nil
}

func (c *ModelClient) Complete(ctx context.Context, req Request) (Response, error) {
	messages := []*schema.Message{
		schema.SystemMessage(req.Instructions),
		schema.UserMessage(req.UserText),
	}
	resp, err := c.chatModel.Generate(ctx, messages)
	if err != nil {
		return Response{}, errors.Wrap(withStatus(err), "generate completion")
	}
	if resp == nil {
		return Response{}, errors.New("generate completion: empty response")
	}
	return Response{Text: strings.TrimSpace(resp.Content)}, nil
}

// OpenAI-compatible clients report API failures as
// "error, status code: 429, status: 429 Too Many Requests, message: ...".
var providerStatus = regexp.MustCompile(`status code: (\d{3})`)

// withStatus exposes the HTTP status carried in a provider error's text as a
// StatusError so the retry classifier sees it.
func withStatus(err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	m := providerStatus.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return err
	}
	return &StatusError{Code: code, Body: err.Error(), Err: err}
}
