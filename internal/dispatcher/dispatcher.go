// Package dispatcher selects a target worker per inference request and
// proxies the call to it.
package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ollamapool/cluster/internal/clustererr"
	"github.com/ollamapool/cluster/internal/logging"
	"github.com/ollamapool/cluster/internal/supervisor"
	"github.com/ollamapool/cluster/internal/worker"
)

const upstreamTimeout = 120 * time.Second

// Dispatcher proxies /route calls to the least-loaded eligible worker.
type Dispatcher struct {
	sup    *supervisor.Supervisor
	client *http.Client
	logger zerolog.Logger
}

// New builds a Dispatcher bound to sup.
func New(sup *supervisor.Supervisor) *Dispatcher {
	return &Dispatcher{
		sup:    sup,
		client: &http.Client{Timeout: upstreamTimeout},
		logger: logging.WithComponent("dispatcher"),
	}
}

// Select returns the eligible worker with the lowest composite load,
// breaking ties by the lowest port for a deterministic outcome.
func (d *Dispatcher) Select() (*worker.Worker, error) {
	var best *worker.Worker
	var bestLoad float64

	for _, w := range d.sup.Enumerate() {
		if !w.IsEligible() {
			continue
		}
		load := w.CompositeLoad()
		if best == nil || load < bestLoad || (load == bestLoad && w.Port < best.Port) {
			best = w
			bestLoad = load
		}
	}

	if best == nil {
		return nil, clustererr.New(clustererr.KindNoEligibleWorker, "no eligible worker is available")
	}
	return best, nil
}

// Route selects a worker, optionally bumps the user's advisory counter, and
// proxies body to the worker's /api/prompt endpoint inside its Execute
// bracket. On upstream failure it returns an UpstreamFailure error naming
// the worker's port; it never retries against a different worker.
func (d *Dispatcher) Route(ctx context.Context, user string, body []byte) ([]byte, int, error) {
	w, err := d.Select()
	if err != nil {
		return nil, 0, err
	}

	if user != "" {
		d.sup.IncrementUser(user)
	}

	var respBody []byte
	var statusCode int

	execErr := w.Execute(func() error {
		respBody, statusCode, err = d.forward(ctx, w, body)
		return err
	})

	if execErr != nil {
		return nil, 0, clustererr.Wrap(clustererr.KindUpstreamFailure, execErr, "worker on port %d failed to serve the request", w.Port)
	}
	return respBody, statusCode, nil
}

func (d *Dispatcher) forward(ctx context.Context, w *worker.Worker, body []byte) ([]byte, int, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/prompt", w.Port)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error().Err(err).Int("port", w.Port).Msg("upstream request failed")
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	return respBody, resp.StatusCode, nil
}
