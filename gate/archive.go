package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/round-cube/parking-gate/activity"
)

// Archiver receives every activity once it has been closed.
type Archiver interface {
	Archive(ctx context.Context, a activity.Activity) error
}

// HTTPArchive posts closed activities to an external storage service.
type HTTPArchive struct {
	URL     string
	Token   string
	Client  *http.Client
	Metrics *Metrics
}

func NewHTTPArchive(url, token string, timeout time.Duration, m *Metrics) *HTTPArchive {
	return &HTTPArchive{
		URL:     url,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Metrics: m,
	}
}

func (h *HTTPArchive) Archive(ctx context.Context, a activity.Activity) error {
	log.Debugf("sending activity %s to storage", a.ID)
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL+"/activities", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)
	req.Header.Set("Content-Type", "application/json")

	if h.Metrics != nil {
		start := time.Now()
		defer func() { h.Metrics.StorageLatency.Observe(time.Since(start).Seconds()) }()
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("response status code %d", resp.StatusCode)
	}
	return nil
}
