package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/shopcore/pkg/errs"
)

// restClient is the JSON-over-HTTP plumbing shared by the adapters.
type restClient struct {
	httpClient    *http.Client
	baseURL       string
	authorization string
}

func newRestClient(client *http.Client, baseURL, authorization string) *restClient {
	if client == nil {
		client = &http.Client{}
	}
	return &restClient{httpClient: client, baseURL: baseURL, authorization: authorization}
}

// do sends body as JSON and decodes the JSON object answer. Transport
// failures, timeouts and non-2xx answers come back as provider errors.
func (c *restClient) do(ctx context.Context, timeout time.Duration, method, path string, body interface{}) (map[string]interface{}, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.authorization)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.CodeProvider, err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeProvider, err, "failed to read response of %s %s", method, path)
	}

	out, decodeErr := decodeObject(raw)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := resp.Status
		if decodeErr == nil {
			for _, key := range []string{"message", "detail", "error"} {
				if s := stringField(out, key); s != "" {
					msg = s
					break
				}
			}
		}
		return nil, errs.New(errs.CodeProvider, "%s %s returned %d: %s", method, path, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, errs.Wrap(errs.CodeProvider, decodeErr, "invalid response from %s %s", method, path)
	}
	return out, nil
}
