package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Pool bounds the number of live broker connections and hands them out
// last-available-first.
//
// The tracked size always equals the number of available entries once an
// operation returns, and an entry is either available or checked out, never
// both. Dialing and closing happen outside the bookkeeping lock.
type Pool struct {
	opener         Opener
	initialSize    int
	acquireTimeout time.Duration
	logger         *slog.Logger

	// fillMu serializes Start and Replenish so two fillers never overshoot.
	fillMu sync.Mutex

	mu         sync.Mutex
	available  []*Conn
	size       int
	checkedOut map[*Conn]struct{}
	waiters    []chan *Conn
	closed     bool

	opened    atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithAcquireTimeout makes Get wait up to d for a released entry before
// failing with ErrPoolEmpty. Zero, the default, fails immediately.
func WithAcquireTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.acquireTimeout = d
		}
	}
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Available int
	InUse     int
	Opened    int64
	Failed    int64
	Discarded int64
}

// NewPool creates an empty pool. Call Start to fill it.
func NewPool(opener Opener, initialSize int, opts ...PoolOption) *Pool {
	if initialSize < 0 {
		initialSize = 0
	}
	p := &Pool{
		opener:      opener,
		initialSize: initialSize,
		checkedOut:  make(map[*Conn]struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start opens InitialSize connections when no entry is available. A failed
// open is logged and skipped. It returns the number of entries opened.
func (p *Pool) Start(ctx context.Context) (int, error) {
	p.fillMu.Lock()
	defer p.fillMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	if len(p.available) > 0 {
		p.mu.Unlock()
		return 0, nil
	}
	p.mu.Unlock()

	return p.fill(ctx, p.initialSize), nil
}

// Replenish opens entries until live entries (available plus checked out)
// reach InitialSize. It returns the number of entries opened.
func (p *Pool) Replenish(ctx context.Context) (int, error) {
	p.fillMu.Lock()
	defer p.fillMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	missing := p.initialSize - p.size - len(p.checkedOut)
	p.mu.Unlock()

	if missing <= 0 {
		return 0, nil
	}
	return p.fill(ctx, missing), nil
}

func (p *Pool) fill(ctx context.Context, n int) int {
	opened := 0
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		conn, err := p.opener.Open(ctx)
		if err != nil {
			p.failed.Inc()
			p.logger.Warn("failed to open pooled connection", "slot", i, "error", err)
			continue
		}
		p.opened.Inc()
		if p.put(conn) {
			opened++
		}
	}
	p.logger.Debug("pool filled", "requested", n, "opened", opened)
	return opened
}

// AddConnection opens one more entry and makes it available. It may grow the
// pool beyond InitialSize.
func (p *Pool) AddConnection(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	conn, err := p.opener.Open(ctx)
	if err != nil {
		p.failed.Inc()
		return err
	}
	p.opened.Inc()
	if !p.put(conn) {
		return ErrPoolClosed
	}
	return nil
}

// put hands conn to the oldest waiter or appends it to the available set.
// It reports false when the pool was closed and conn was closed instead.
func (p *Pool) put(conn *Conn) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeConn(conn)
		return false
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.checkedOut[conn] = struct{}{}
		p.mu.Unlock()
		w <- conn
		return true
	}
	p.available = append(p.available, conn)
	p.size++
	p.mu.Unlock()
	return true
}

// Get removes one entry from the pool. With no entry available it returns
// ErrPoolEmpty, immediately unless an acquire timeout is configured.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.available); n > 0 {
		conn := p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		p.size--
		p.checkedOut[conn] = struct{}{}
		p.mu.Unlock()
		return conn, nil
	}
	if p.acquireTimeout <= 0 {
		p.mu.Unlock()
		return nil, ErrPoolEmpty
	}

	req := make(chan *Conn, 1)
	p.waiters = append(p.waiters, req)
	p.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	var cause error
	select {
	case conn, ok := <-req:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-timer.C:
		cause = ErrPoolEmpty
	case <-ctx.Done():
		cause = fmt.Errorf("%w: %w", ErrPoolEmpty, ctx.Err())
	}

	p.mu.Lock()
	removed := p.removeWaiter(req)
	p.mu.Unlock()
	if removed {
		return nil, cause
	}

	// A releaser claimed this request before we could withdraw it.
	conn, ok := <-req
	if !ok {
		return nil, ErrPoolClosed
	}
	return conn, nil
}

func (p *Pool) removeWaiter(req chan *Conn) bool {
	for i, w := range p.waiters {
		if w == req {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release returns a checked-out entry. Unhealthy entries are closed and
// dropped; after Close every released entry is closed. An entry that is not
// checked out, such as one already released, is logged and ignored.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if !p.checkIn(conn) {
		p.mu.Unlock()
		p.logger.Warn("ignoring release of connection not checked out", "conn_id", conn.ID())
		return
	}
	if p.closed {
		p.mu.Unlock()
		p.closeConn(conn)
		return
	}
	if !conn.Healthy() {
		p.mu.Unlock()
		p.discarded.Inc()
		p.logger.Warn("discarding unhealthy connection", "conn_id", conn.ID(), "age", time.Since(conn.CreatedAt()))
		p.closeConn(conn)
		return
	}
	p.mu.Unlock()

	p.put(conn)
}

// Discard closes a checked-out entry without returning it to the pool. Like
// Release it ignores entries that are not checked out.
func (p *Pool) Discard(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	ok := p.checkIn(conn)
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("ignoring discard of connection not checked out", "conn_id", conn.ID())
		return
	}

	p.discarded.Inc()
	p.closeConn(conn)
}

// checkIn removes conn from the checked-out set. Callers hold mu.
func (p *Pool) checkIn(conn *Conn) bool {
	if _, ok := p.checkedOut[conn]; !ok {
		return false
	}
	delete(p.checkedOut, conn)
	return true
}

// Close drains the pool, closing every available entry. A failed close is
// logged and does not stop the drain; all failures are returned joined.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.available
	p.available = nil
	p.size = 0
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close pooled connection", "conn_id", conn.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	p.logger.Debug("pool closed", "closed", len(conns), "failures", len(errs))
	return errors.Join(errs...)
}

func (p *Pool) closeConn(conn *Conn) {
	if err := conn.Close(); err != nil {
		p.logger.Warn("failed to close connection", "conn_id", conn.ID(), "error", err)
	}
}

// Size is the number of available entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Live is the number of entries available or checked out.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size + len(p.checkedOut)
}

// InitialSize is the target size used by Start and Replenish.
func (p *Pool) InitialSize() int {
	return p.initialSize
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns the current counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	available, inUse := p.size, len(p.checkedOut)
	p.mu.Unlock()
	return PoolStats{
		Available: available,
		InUse:     inUse,
		Opened:    p.opened.Load(),
		Failed:    p.failed.Load(),
		Discarded: p.discarded.Load(),
	}
}
