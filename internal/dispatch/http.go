package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ppiankov/capgate/internal/catalog"
	"github.com/ppiankov/capgate/internal/model"
)

// runHTTP posts the parameters as JSON to the plugin's endpoint. The path
// template may reference parameters; non-2xx responses are classified,
// never surfaced raw.
func (d *Dispatcher) runHTTP(ctx context.Context, desc catalog.Descriptor, params map[string]any) (map[string]any, error) {
	url := strings.TrimRight(desc.Backend.BaseURL, "/") + expandTemplate(desc.Backend.Path, params)

	body, err := json.Marshal(params)
	if err != nil {
		return nil, &BackendError{Kind: model.BackendHTTP, Message: "encode parameters", Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &BackendError{Kind: model.BackendHTTP, Message: "build request", Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Capgate-Capability", desc.Name)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &BackendError{Kind: model.BackendHTTP, Message: "request failed", Detail: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.enforcer.Limits().MaxOutputBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &BackendError{Kind: model.BackendHTTP, Message: "read response", Detail: err.Error()}
	}
	if err := d.enforcer.CheckOutputSize(int64(len(raw))); err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &BackendError{
			Kind:    model.BackendHTTP,
			Message: fmt.Sprintf("status %d", resp.StatusCode),
			Detail:  truncate(string(raw), 1024),
		}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, &BackendError{Kind: model.BackendHTTP, Message: "invalid JSON response", Detail: err.Error()}
		}
		return data, nil
	}
	return map[string]any{"output": string(raw)}, nil
}
