package envsig

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hazyhaar/tablesync/horosafe"
)

// Process is the Env of a long-running client process. SIGINT and SIGTERM
// (or cancelling the parent context, or calling Unload) play the role of a
// page unload. Beacons are POSTs sent in the background on a context that
// survives the unload; Drain waits for them before exit.
type Process struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	hidden   bool
	offline  bool
	unloaded bool
	inflight sync.WaitGroup

	online hooks
	unload hooks
	stop   context.CancelFunc
}

var _ Env = (*Process)(nil)

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithClient sets the HTTP client used for beacons. Share the transport's
// client so beacons carry the same cookies.
func WithClient(c *http.Client) ProcessOption {
	return func(p *Process) { p.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProcessOption {
	return func(p *Process) { p.logger = l }
}

// WithBeaconTimeout bounds each beacon POST. Default 5s.
func WithBeaconTimeout(d time.Duration) ProcessOption {
	return func(p *Process) { p.timeout = d }
}

// NewProcess starts watching SIGINT/SIGTERM and ctx. Call Close to stop.
func NewProcess(ctx context.Context, opts ...ProcessOption) *Process {
	p := &Process{
		client:  http.DefaultClient,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	p.stop = stop
	go func() {
		<-sigCtx.Done()
		if ctx.Err() == nil && !p.closed() {
			p.logger.Info("envsig: shutdown signal received")
		}
		p.Unload()
	}()
	return p
}

func (p *Process) closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unloaded
}

func (p *Process) IsHidden() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hidden || p.unloaded
}

func (p *Process) IsOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.offline
}

func (p *Process) OnOnline(fn func()) func() { return p.online.add(fn) }

func (p *Process) OnUnload(fn func()) func() { return p.unload.add(fn) }

// SetHidden marks the process as running in the background (headless
// batch mode) so saves use beacons.
func (p *Process) SetHidden(hidden bool) {
	p.mu.Lock()
	p.hidden = hidden
	p.mu.Unlock()
}

// SetOnline records a connectivity change reported by the embedding
// program. Going from offline to online runs the OnOnline callbacks.
func (p *Process) SetOnline(online bool) {
	p.mu.Lock()
	cameBack := online && p.offline
	p.offline = !online
	p.mu.Unlock()
	if cameBack {
		p.online.fire()
	}
}

// SendBeacon posts body in the background and returns immediately.
func (p *Process) SendBeacon(url string, body []byte) bool {
	if err := horosafe.ValidateEndpoint(url); err != nil {
		p.logger.Warn("envsig: beacon refused", "url", url, "error", err)
		return false
	}
	payload := bytes.Clone(body)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			p.logger.Debug("envsig: beacon failed", "url", url, "error", err)
			return
		}
		resp.Body.Close()
	}()
	return true
}

// Unload runs the OnUnload callbacks once.
func (p *Process) Unload() {
	p.mu.Lock()
	if p.unloaded {
		p.mu.Unlock()
		return
	}
	p.unloaded = true
	p.mu.Unlock()
	p.unload.fire()
}

// Drain waits for in-flight beacons or for ctx to end.
func (p *Process) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops signal handling without running the unload callbacks.
func (p *Process) Close() {
	p.mu.Lock()
	p.unloaded = true
	p.mu.Unlock()
	p.stop()
}
