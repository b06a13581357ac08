package imap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dhcgn/imap-export/model"
)

// Pool is a model.Source backed by up to size IMAP sessions. Sessions are
// dialed lazily, one per concurrent Fetch, and dropped after a transport
// error so the next Fetch redials.
type Pool struct {
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter
	dial    func(ctx context.Context) (*Client, error)

	slots chan *Client

	mu     sync.Mutex
	closed bool
	open   map[*Client]struct{}
}

// NewPool returns a pool of at most size sessions.
func NewPool(opts Options, size int, logger *slog.Logger) (*Pool, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = model.DefaultConcurrency
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Pool{
		opts:   opts,
		logger: logger,
		slots:  make(chan *Client, size),
		open:   make(map[*Client]struct{}),
	}
	if opts.FetchRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.FetchRate), 1)
	}
	p.dial = func(ctx context.Context) (*Client, error) {
		return Dial(ctx, p.opts, p.logger)
	}
	for i := 0; i < size; i++ {
		p.slots <- nil
	}
	return p, nil
}

// Fetch implements model.Source. ctx bounds the whole call: if it ends while
// the server is still answering, the session is closed to unblock it.
func (p *Pool) Fetch(ctx context.Context, folder string, uid model.UID) (*model.FetchedMessage, error) {
	var client *Client
	select {
	case client = <-p.slots:
	case <-ctx.Done():
		return nil, model.NewError(model.KindOf(ctx.Err()), "fetch", ctx.Err())
	}
	defer func() { p.slots <- client }()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, model.NewError(model.KindOf(err), "fetch", fmt.Errorf("rate limit: %w", err))
		}
	}

	if client == nil {
		c, err := p.connect(ctx)
		if err != nil {
			return nil, err
		}
		client = c
	}

	stop := context.AfterFunc(ctx, client.abort)
	msg, err := client.FetchMessage(folder, uid)
	if !stop() {
		// ctx fired mid-command; the session is gone
		p.forget(client)
		client = nil
		return nil, model.NewError(model.KindOf(ctx.Err()), "fetch", fmt.Errorf("uid %s: %w", uid, ctx.Err()))
	}
	if err != nil {
		if model.IsTransient(err) {
			p.logger.Debug("dropping imap session", "folder", folder, "uid", uid, "err", err)
			p.forget(client)
			client.abort()
			client = nil
		}
		return nil, err
	}
	return msg, nil
}

func (p *Pool) connect(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, model.NewError(model.ErrorKindConnection, "fetch", fmt.Errorf("pool closed"))
	}
	p.mu.Unlock()

	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return nil, model.NewError(model.ErrorKindConnection, "fetch", fmt.Errorf("pool closed"))
	}
	p.open[c] = struct{}{}
	return c, nil
}

func (p *Pool) forget(c *Client) {
	p.mu.Lock()
	delete(p.open, c)
	p.mu.Unlock()
}

// Close logs out every open session. In-flight fetches are interrupted.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	open := p.open
	p.open = make(map[*Client]struct{})
	p.mu.Unlock()

	var firstErr error
	for c := range open {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
