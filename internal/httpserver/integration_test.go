package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

// Runs against a live server: SYNCQ_BASE_URL plus SYNCQ_TEST_API_KEY.
// A trigger must be picked up and completed by the server's dispatcher.
func TestEndToEndTriggerCompletes(t *testing.T) {
	base := os.Getenv("SYNCQ_BASE_URL")
	if base == "" {
		t.Skip("SYNCQ_BASE_URL not set; skipping end-to-end test")
	}
	key := os.Getenv("SYNCQ_TEST_API_KEY")
	if key == "" {
		key = "operator-key-123"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	body, _ := json.Marshal(models.TriggerRequest{
		RequestID:  uuid.NewString(),
		EntityType: string(models.EntityProduct),
		Payload:    json.RawMessage(`{"sku":"E2E-1","version":1}`),
	})
	req, err := http.NewRequest(http.MethodPost, base+"/sync/trigger", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", key)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.IngestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, base+"/events/"+created.EventID, nil)
		req.Header.Set("X-API-Key", key)
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var ev models.SyncEvent
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&ev) != nil {
			return false
		}
		return ev.Status == models.StatusCompleted
	}, 30*time.Second, 250*time.Millisecond)
}
