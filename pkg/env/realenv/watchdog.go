package realenv

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
)

// DefaultWatchdogSocket is the AF_UNIX socket path the original watchdog
// multiplexer listens on (watchdog-mux.c).
const DefaultWatchdogSocket = "/run/watchdog-mux.sock"

// watchdogCloseMagic is the single byte that closes the connection
// gracefully instead of triggering a reboot (watchdog-mux.c: 'V').
const watchdogCloseMagic = 'V'

// WatchdogClient speaks the watchdog-mux protocol: connect once, write any
// byte to ping, write the magic close byte to disarm gracefully. Dropping
// the connection without the magic byte is indistinguishable to the
// multiplexer from a crashed process, so it lets the hardware watchdog
// fire — that is the self-fence mechanism (§7).
type WatchdogClient struct {
	socketPath string

	mu    sync.Mutex
	conn  net.Conn
	state env.WatchdogState
}

// NewWatchdogClient returns a client that will lazily connect to
// socketPath on the first Ping.
func NewWatchdogClient(socketPath string) *WatchdogClient {
	if socketPath == "" {
		socketPath = DefaultWatchdogSocket
	}
	return &WatchdogClient{socketPath: socketPath, state: env.WatchdogActive}
}

func (w *WatchdogClient) ensureConn() error {
	if w.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", w.socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("realenv: connect watchdog socket %s: %w", w.socketPath, err)
	}
	w.conn = conn
	return nil
}

func (w *WatchdogClient) Ping(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == env.WatchdogClosed {
		return fmt.Errorf("realenv: watchdog already closed")
	}

	if err := w.ensureConn(); err != nil {
		w.state = env.WatchdogWarning
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	}

	if _, err := w.conn.Write([]byte{0}); err != nil {
		w.conn = nil
		w.state = env.WatchdogWarning
		return fmt.Errorf("realenv: ping watchdog: %w", err)
	}

	if w.state == env.WatchdogWarning {
		w.state = env.WatchdogFenceAverted
	} else {
		w.state = env.WatchdogActive
	}
	return nil
}

// CloseGraceful sends the magic byte and closes the connection. Only call
// this when nothing owned by this node is still running (§7 "Self-fence").
func (w *WatchdogClient) CloseGraceful(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		_, _ = w.conn.Write([]byte{watchdogCloseMagic})
		_ = w.conn.Close()
		w.conn = nil
	}
	w.state = env.WatchdogClosed
	return nil
}

func (w *WatchdogClient) State() env.WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
