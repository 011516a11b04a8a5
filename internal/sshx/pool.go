package sshx

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool caches live SSH connections keyed by user@host:port. It is the
// one piece of shared mutable state in the pipeline; a single coarse
// lock guards lookup, insert and evict. A pooled connection is probed
// before reuse and discarded if dead.
type Pool struct {
	mu       sync.Mutex
	conns    map[string]*Conn
	lastUsed map[string]time.Time
}

func NewPool() *Pool {
	return &Pool{
		conns:    make(map[string]*Conn),
		lastUsed: make(map[string]time.Time),
	}
}

func poolKey(host string, port int, user string) string {
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s@%s:%d", user, host, port)
}

// Get returns a live connection from the pool, dialing a new one when
// none is cached or the cached one fails its liveness probe.
func (p *Pool) Get(host, user string, opts Opts) (*Conn, error) {
	key := poolKey(host, opts.Port, user)

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[key]; ok {
		if conn.alive() {
			p.lastUsed[key] = time.Now()
			slog.Debug("reusing ssh connection", "remote", key)
			return conn, nil
		}
		slog.Debug("evicting dead ssh connection", "remote", key)
		conn.Close()
		delete(p.conns, key)
		delete(p.lastUsed, key)
	}

	client, err := Dial(host, user, opts)
	if err != nil {
		return nil, err
	}

	conn := &Conn{client: client, remote: key}
	p.conns[key] = conn
	p.lastUsed[key] = time.Now()
	slog.Debug("opened ssh connection", "remote", key)
	return conn, nil
}

// CloseAll closes every pooled connection. Called once at shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, conn := range p.conns {
		conn.Close()
		delete(p.conns, key)
		delete(p.lastUsed, key)
	}
	slog.Debug("closed all ssh connections")
}
