package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/credential"
)

// Link is the part of connection.Manager the reconnector drives.
type Link interface {
	Connect(ctx context.Context, cred credential.Credential) error
	Disconnect()
	IsConnected() bool
}

// Reconnector keeps the realtime connection open while a client wants it.
// The connection manager itself never reconnects; this wrapper re-dials with
// exponential backoff after an unrequested drop.
type Reconnector struct {
	link   Link
	creds  *credential.Resolver
	bus    *bus.Bus
	cfg    config.ReconnectConfig
	logger *zap.Logger

	mu       sync.Mutex
	wanted   bool
	retrying bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewReconnector creates an idle reconnector.
func NewReconnector(link Link, creds *credential.Resolver, b *bus.Bus, cfg config.ReconnectConfig, logger *zap.Logger) *Reconnector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{
		link:   link,
		creds:  creds,
		bus:    b,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start watches for connection drops.
func (r *Reconnector) Start() {
	ch, unsub := r.bus.Subscribe(bus.KindDisconnected, 16)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsub()
		for {
			select {
			case <-ch:
				r.mu.Lock()
				wanted := r.wanted
				r.mu.Unlock()
				if wanted && r.cfg.Enabled {
					r.retry()
				}
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels any retry in progress and waits for the watcher to exit.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	r.wanted = false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

// Connect resolves the credential and dials once. When that attempt fails and
// reconnects are enabled, retries continue in the background and the first
// error is still returned to the caller.
func (r *Reconnector) Connect(ctx context.Context) error {
	cred, err := r.creds.Resolve()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.wanted = true
	r.mu.Unlock()

	if err := r.link.Connect(ctx, cred); err != nil {
		if r.cfg.Enabled && !errors.Is(err, credential.ErrUnauthenticated) {
			r.retry()
		}
		return err
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (r *Reconnector) Disconnect() {
	r.mu.Lock()
	r.wanted = false
	r.mu.Unlock()
	r.link.Disconnect()
}

// retry starts a backoff loop unless one is already running.
func (r *Reconnector) retry() {
	r.mu.Lock()
	if r.retrying || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.retrying = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = r.cfg.InitialInterval
		if r.cfg.MaxInterval > 0 {
			eb.MaxInterval = r.cfg.MaxInterval
		}
		eb.MaxElapsedTime = 0

		op := func() error {
			r.mu.Lock()
			wanted := r.wanted
			r.mu.Unlock()
			if !wanted || r.link.IsConnected() {
				return nil
			}
			cred, err := r.creds.Resolve()
			if err != nil {
				return backoff.Permanent(err)
			}
			return r.link.Connect(r.ctx, cred)
		}
		notify := func(err error, next time.Duration) {
			r.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("next", next))
		}

		err := backoff.RetryNotify(op, backoff.WithContext(eb, r.ctx), notify)

		r.mu.Lock()
		r.retrying = false
		again := err == nil && r.wanted && !r.link.IsConnected()
		r.mu.Unlock()

		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			r.logger.Warn("giving up reconnect", zap.Error(err))
		case again:
			// Dropped again before the loop wound down.
			r.retry()
		}
	}()
}
