package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

// HTTPTarget PUTs entities to {BaseURL}/{entity}/{key}.
type HTTPTarget struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPTarget(baseURL string, timeout time.Duration) *HTTPTarget {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTarget{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTarget) Upsert(ctx context.Context, entity models.EntityType, key string, version int64, payload json.RawMessage) error {
	endpoint := fmt.Sprintf("%s/%s/%s", strings.TrimRight(t.BaseURL, "/"), url.PathEscape(string(entity)), url.PathEscape(key))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Entity-Version", strconv.FormatInt(version, 10))
	req.Header.Set("Idempotency-Key", idempotencyKey(ctx, entity, key, version))

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("put %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	if retryableStatus(resp.StatusCode) {
		return err
	}
	return Permanent(err)
}

// idempotencyKey prefers the event's own dedup key, which is distinct per
// change even when the change version is not numeric.
func idempotencyKey(ctx context.Context, entity models.EntityType, key string, version int64) string {
	if ev, ok := EventFromContext(ctx); ok && ev.DedupKey != "" {
		return ev.DedupKey
	}
	return models.DedupKey(string(entity), key, strconv.FormatInt(version, 10))
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
