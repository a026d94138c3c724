// Package connection provides a thread-safe pool of gRPC client connections,
// one per remote address. A coordinator uses it to reach every participant
// over a shared, multiplexed connection.
package connection

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// ConnectionPoolManager manages one *grpc.ClientConn per remote address.
type ConnectionPoolManager struct {
	dialOpts []grpc.DialOption
	logger   *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

// NewConnectionPoolManager creates a new manager. dialOpts apply to every
// connection it creates.
func NewConnectionPoolManager(logger *zap.Logger, dialOpts ...grpc.DialOption) *ConnectionPoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionPoolManager{
		dialOpts: dialOpts,
		logger:   logger.Named("connection_pool"),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// Get returns the connection for address, creating it on first use. The
// connection dials lazily.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if ok {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	// Double-check after acquiring write lock
	if conn, ok := m.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, m.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", address, err)
	}
	m.conns[address] = conn
	m.logger.Debug("Created connection", zap.String("address", address))
	return conn, nil
}

// Remove closes and forgets the connection for address.
func (m *ConnectionPoolManager) Remove(address string) error {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// States reports the connectivity state of every pooled connection.
func (m *ConnectionPoolManager) States() map[string]connectivity.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make(map[string]connectivity.State, len(m.conns))
	for address, conn := range m.conns {
		states[address] = conn.GetState()
	}
	return states
}

// Close closes all connections. Later calls to Get fail with ErrPoolClosed.
func (m *ConnectionPoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for address, conn := range m.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", address, err))
		}
		delete(m.conns, address)
	}
	return errors.Join(errs...)
}
