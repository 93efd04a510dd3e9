package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// postJSON sends v as JSON and decodes a 2xx response into out (if non-nil).
// Network failures are transient; status codes are classified by CheckResponse.
func postJSON(ctx context.Context, hc *http.Client, backend, url string, headers map[string]string, v, out any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return Permanent(fmt.Errorf("%s: encode: %w", backend, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("%s: %w", backend, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(hc, backend, req, out)
}

func doJSON(hc *http.Client, backend string, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", backend, err)
	}
	defer resp.Body.Close()
	if err := CheckResponse(backend, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode response: %w", backend, err)
	}
	return nil
}

func joinURL(host, path string) string {
	return strings.TrimRight(host, "/") + path
}
