package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

var ErrPreviewDisabled = errors.New("preview base_url not configured")

// PreviewDeployer resolves the preview environment of a rock from a URL
// template and checks that it answers. Each rock is provisioned once; callers
// racing on the same rock wait on a per-rock lock and see the first result.
type PreviewDeployer struct {
	// BaseURL may contain {rock}.
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	live  map[string]string
	// deploys counts provisioning attempts that reached the health check.
	deploys int
}

func (d *PreviewDeployer) Lookup(rockID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.live[rockID]
	return u, ok
}

func (d *PreviewDeployer) rockLock(rockID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks == nil {
		d.locks = map[string]*sync.Mutex{}
	}
	l, ok := d.locks[rockID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[rockID] = l
	}
	return l
}

func (d *PreviewDeployer) Deploy(ctx context.Context, rockID string) (string, error) {
	if strings.TrimSpace(d.BaseURL) == "" {
		return "", ErrPreviewDisabled
	}
	if u, ok := d.Lookup(rockID); ok {
		return u, nil
	}
	l := d.rockLock(rockID)
	l.Lock()
	defer l.Unlock()
	if u, ok := d.Lookup(rockID); ok {
		return u, nil
	}

	u := strings.TrimRight(strings.ReplaceAll(d.BaseURL, "{rock}", rockID), "/")
	d.mu.Lock()
	d.deploys++
	d.mu.Unlock()
	if err := d.healthCheck(ctx, u); err != nil {
		return "", fmt.Errorf("preview for rock %s: %w", rockID, err)
	}
	d.mu.Lock()
	if d.live == nil {
		d.live = map[string]string{}
	}
	d.live[rockID] = u
	d.mu.Unlock()
	d.logger().Info("preview ready", "rock", rockID, "url", u)
	return u, nil
}

func (d *PreviewDeployer) healthCheck(ctx context.Context, u string) error {
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check %s: status %d", u, resp.StatusCode)
	}
	return nil
}

func (d *PreviewDeployer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
