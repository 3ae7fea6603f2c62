package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cnelson/go-fleet/fleeterr"
)

// maxResponseSize caps a single API response body.
const maxResponseSize = 32 << 20

// Call performs one request for the named method ("Units.Get") and
// returns the decoded JSON response. An empty success body is returned as
// "{}".
//
// Responses with status >= 400 yield a *fleeterr.APIError whose cause is
// the raw *fleeterr.HTTPError. Transport failures are returned as the HTTP
// client reports them, never as an APIError.
func (c *Client) Call(ctx context.Context, method string, params Params, body any) (json.RawMessage, error) {
	m, ok := c.catalog.Method(method)
	if !ok {
		return nil, &fleeterr.FormatError{Input: method, Reason: "unknown API method"}
	}
	prepared, err := m.Prepare(params, body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, prepared)
}

func (c *Client) do(ctx context.Context, prepared *PreparedRequest) (json.RawMessage, error) {
	uri := strings.Replace(prepared.URI, EndpointPlaceholder, c.baseURL, 1)

	var reqBody io.Reader
	if prepared.Body != nil {
		reqBody = bytes.NewReader(prepared.Body)
	}
	req, err := http.NewRequestWithContext(ctx, prepared.HTTPMethod, uri, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if prepared.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response from %s %s: %w", prepared.HTTPMethod, uri, err)
	}

	if resp.StatusCode >= 400 {
		return nil, newAPIError(&fleeterr.HTTPError{
			Method:     prepared.HTTPMethod,
			URL:        uri,
			StatusCode: resp.StatusCode,
			Body:       data,
		})
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s %s returned invalid JSON", prepared.HTTPMethod, uri)
	}
	return json.RawMessage(data), nil
}

// newAPIError decodes fleet's {"error": {"code": N, "message": "..."}}
// envelope. Bodies without one fall back to the HTTP status.
func newAPIError(httpErr *fleeterr.HTTPError) *fleeterr.APIError {
	var envelope struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &fleeterr.APIError{Code: httpErr.StatusCode, Err: httpErr}
	if json.Unmarshal(httpErr.Body, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
		if envelope.Error.Code != 0 {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	apiErr.Message = http.StatusText(httpErr.StatusCode)
	if apiErr.Message == "" {
		apiErr.Message = "HTTP error"
	}
	return apiErr
}
