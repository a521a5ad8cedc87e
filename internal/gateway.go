package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/DrGermanius/Paymart/internal/model"
)

// IGateway hides one mobile-money provider. Implementations must not retry
// Initiate; QueryStatus is read-only and safe to call repeatedly.
type IGateway interface {
	Name() string
	Initiate(context.Context, model.InitiateRequest) (model.Acknowledgment, error)
	QueryStatus(context.Context, string) (model.GatewayStatus, error)
	ParseCallback([]byte) (model.CallbackResult, error)
}

func NewGateway(cfg *Config, logger *zap.SugaredLogger) (IGateway, error) {
	client := &http.Client{Timeout: cfg.GatewayTimeout}

	switch cfg.Provider {
	case ProviderPayHero:
		return NewPayHeroGateway(client, cfg, logger), nil
	case ProviderDaraja:
		return NewDarajaGateway(client, cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
}

type httpError struct {
	status int
	body   []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("unexpected response %d: %s", e.status, truncate(e.body, 256))
}

// doJSON sends in (when not nil) as JSON and decodes a 2xx response into out.
func doJSON(ctx context.Context, client *http.Client, method, url string, header http.Header, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, res.Body); err != nil {
		return res.StatusCode, err
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return res.StatusCode, &httpError{status: res.StatusCode, body: buf.Bytes()}
	}

	if out == nil {
		return res.StatusCode, nil
	}
	if err = json.Unmarshal(buf.Bytes(), out); err != nil {
		return res.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return res.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
