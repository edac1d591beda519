package dnszone

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Reloader pings the authoritative CoreDNS-Redis server's control API so a
// freshly written zone is served without waiting for the next cache cycle.
// The Redis write is the source of truth; a failed ping only delays
// propagation, so callers treat errors as non-fatal.
type Reloader struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewReloader creates a reloader for the given control API base URL. An empty
// base URL disables reloading entirely.
func NewReloader(baseURL string, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// Reload asks the nameserver to reload one zone. Best effort: the error is
// logged and returned, but callers are expected not to abort on it.
func (r *Reloader) Reload(ctx context.Context, zone string) error {
	if r.baseURL == "" {
		return nil
	}
	u := r.baseURL + "/reload?zone=" + url.QueryEscape(zone)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("dnszone: reload request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("zone reload failed", zap.String("zone", zone), zap.Error(err))
		return fmt.Errorf("dnszone: reload %s: %w", zone, err)
	}
	defer resp.Body.Close()

	var body struct {
		Loaded  bool `json:"loaded"`
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		r.logger.Warn("zone reload response unreadable", zap.String("zone", zone), zap.Error(err))
		return fmt.Errorf("dnszone: reload %s: decode response: %w", zone, err)
	}
	r.logger.Debug("zone reloaded",
		zap.String("zone", zone),
		zap.Bool("loaded", body.Loaded),
		zap.Bool("success", body.Success))
	return nil
}
