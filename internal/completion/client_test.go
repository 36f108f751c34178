package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatsession/internal/reliability"
)

func TestHTTPClientPostsRequestAndExtractsText(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"completion":"  충분한 수면을 취하세요. "}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(srv.URL).Complete(context.Background(), Request{Instructions: "", UserText: "피곤해요"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "충분한 수면을 취하세요." {
		t.Fatalf("Complete() text = %q", resp.Text)
	}
	require.Equal(t, "피곤해요", got.UserText)
}

func TestHTTPClientReadsChoicesAndPlainText(t *testing.T) {
	cases := map[string]string{
		`{"choices":[{"message":{"content":"from choices"}}]}`: "from choices",
		"plain body": "plain body",
	}
	for body, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		resp, err := NewHTTPClient(srv.URL).Complete(context.Background(), Request{UserText: "x"})
		srv.Close()
		require.NoError(t, err)
		require.Equal(t, want, resp.Text)
	}
}

func TestHTTPClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).Complete(context.Background(), Request{UserText: "x"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode())
}

type scriptedClient struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (c *scriptedClient) Complete(_ context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return Response{}, err
		}
	}
	return Response{Text: "ok: " + req.UserText}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryClientRetriesRetryableFailures(t *testing.T) {
	inner := &scriptedClient{errs: []error{&StatusError{Code: 503}, &StatusError{Code: 429}}}
	c := NewRetryClient(inner, RetryPolicy{Retries: 2})
	c.sleep = noSleep

	resp, err := c.Complete(context.Background(), Request{UserText: "hi"})
	require.NoError(t, err)
	require.Equal(t, "ok: hi", resp.Text)
	require.Equal(t, 3, inner.calls)
}

func TestRetryClientStopsOnPermanentFailure(t *testing.T) {
	inner := &scriptedClient{errs: []error{&StatusError{Code: 401}}}
	c := NewRetryClient(inner, RetryPolicy{Retries: 3})
	c.sleep = noSleep

	_, err := c.Complete(context.Background(), Request{UserText: "hi"})
	require.Error(t, err)
	require.Equal(t, 1, inner.calls)
}

func TestRetryClientGivesUpAfterRetries(t *testing.T) {
	boom := &StatusError{Code: 500}
	inner := &scriptedClient{errs: []error{boom, boom, boom}}
	c := NewRetryClient(inner, RetryPolicy{Retries: 1})
	c.sleep = noSleep

	_, err := c.Complete(context.Background(), Request{UserText: "hi"})
	require.True(t, errors.Is(err, boom))
	require.Equal(t, 2, inner.calls)
}

type fakeChatModel struct {
	got []*schema.Message
	err error
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.got = input
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(" 물을 충분히 드세요 ", nil), nil
}

func (m *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestModelClientSendsSystemAndUserOnly(t *testing.T) {
	fake := &fakeChatModel{}
	resp, err := NewModelClient(fake).Complete(context.Background(), Request{Instructions: "be brief", UserText: "목이 말라요"})
	require.NoError(t, err)
	require.Equal(t, "물을 충분히 드세요", resp.Text)
	require.Len(t, fake.got, 2)
	require.Equal(t, schema.System, fake.got[0].Role)
	require.Equal(t, "be brief", fake.got[0].Content)
	require.Equal(t, schema.User, fake.got[1].Role)
	require.Equal(t, "목이 말라요", fake.got[1].Content)
}

func TestModelClientClassifiesProviderStatus(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      int
		retryable bool
	}{
		{"rate limited", errors.New("error, status code: 429, status: 429 Too Many Requests, message: rate limited"), 429, true},
		{"overloaded", errors.New("error, status code: 503, status: 503 Service Unavailable, message: overloaded, body: {}"), 503, true},
		{"bad request", errors.New("error, status code: 400, status: 400 Bad Request, message: invalid model"), 400, false},
		{"no status", errors.New("unexpected end of JSON input"), 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewModelClient(&fakeChatModel{err: tc.err}).Complete(context.Background(), Request{UserText: "hi"})
			require.Error(t, err)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.retryable, reliability.IsRetryable(err))

			var se *StatusError
			if tc.code == 0 {
				require.False(t, errors.As(err, &se))
				return
			}
			require.True(t, errors.As(err, &se))
			require.Equal(t, tc.code, se.StatusCode())
		})
	}
}

func TestNewClientModes(t *testing.T) {
	c, mode, err := NewClient(context.Background(), Config{})
	require.NoError(t, err)
	require.Equal(t, "mock", mode)
	require.IsType(t, &MockClient{}, c)

	_, mode, err = NewClient(context.Background(), Config{HTTPURL: "http://127.0.0.1:1/complete"})
	require.NoError(t, err)
	require.Equal(t, "http", mode)

	_, _, err = NewClient(context.Background(), Config{Mode: "http"})
	require.Error(t, err)

	_, _, err = NewClient(context.Background(), Config{Mode: "carrier-pigeon"})
	require.Error(t, err)
}

func TestMockClientEchoes(t *testing.T) {
	resp, err := NewMockClient().Complete(context.Background(), Request{UserText: "hello"})
	require.NoError(t, err)
	require.Equal(t, "I heard you: hello", resp.Text)
}
