package transaction

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// CatalogState is the step-up barrier state of a Catalog.
type CatalogState int

const (
	CatalogNotReady CatalogState = iota
	CatalogReady
	CatalogDraining
)

func (s CatalogState) String() string {
	switch s {
	case CatalogNotReady:
		return "notReady"
	case CatalogReady:
		return "ready"
	case CatalogDraining:
		return "draining"
	}
	return fmt.Sprintf("CatalogState(%d)", int(s))
}

// Catalog tracks the coordinators active on this node. New coordinators are
// only accepted between a successful ExitStepUp and the next OnStepDown.
type Catalog struct {
	logger *zap.Logger

	mu sync.Mutex
	// cond is broadcast when the barrier state changes and when the last
	// coordinator is removed.
	cond         *sync.Cond
	state        CatalogState
	stepUpErr    error
	coordinators map[SessionID]map[TxnNumber]*Coordinator
	latest       map[SessionID]TxnNumber
	count        int
}

func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		logger:       logger.Named("catalog"),
		coordinators: make(map[SessionID]map[TxnNumber]*Coordinator),
		latest:       make(map[SessionID]TxnNumber),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Insert registers coord under key. It fails unless the catalog is ready.
// Inserting a key that is already present is a programming error and panics.
func (c *Catalog) Insert(key TxnKey, coord *Coordinator) error {
	return c.insert(key, coord, false)
}

// InsertForStepUp registers a coordinator recovered during step-up, before
// the catalog has become ready.
func (c *Catalog) InsertForStepUp(key TxnKey, coord *Coordinator) error {
	return c.insert(key, coord, true)
}

func (c *Catalog) insert(key TxnKey, coord *Coordinator, forStepUp bool) error {
	c.mu.Lock()
	if err := c.checkInsertLocked(forStepUp); err != nil {
		c.mu.Unlock()
		return err
	}
	if _, exists := c.coordinators[key.SessionID][key.TxnNumber]; exists {
		c.mu.Unlock()
		panic(fmt.Sprintf("transaction coordinator for %s already exists", key))
	}
	c.insertLocked(key, coord)
	c.mu.Unlock()

	c.registered(key, coord, forStepUp)
	return nil
}

// GetOrInsert returns the coordinator registered under key. If there is none
// it registers the one built by newCoord, which runs under the catalog lock.
// superseded is the latest coordinator on the session when its txn number
// differs from key's; the caller decides whether to cancel it.
func (c *Catalog) GetOrInsert(key TxnKey, newCoord func() *Coordinator) (coord, superseded *Coordinator, err error) {
	c.mu.Lock()
	if err := c.checkInsertLocked(false); err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}
	if latest, ok := c.latest[key.SessionID]; ok && latest != key.TxnNumber {
		superseded = c.coordinators[key.SessionID][latest]
	}
	if existing, ok := c.coordinators[key.SessionID][key.TxnNumber]; ok {
		c.mu.Unlock()
		return existing, superseded, nil
	}
	coord = newCoord()
	c.insertLocked(key, coord)
	c.mu.Unlock()

	c.registered(key, coord, false)
	return coord, superseded, nil
}

func (c *Catalog) checkInsertLocked(forStepUp bool) error {
	switch c.state {
	case CatalogDraining:
		return ErrSteppingDown
	case CatalogNotReady:
		if !forStepUp {
			return c.notReadyErrLocked()
		}
	}
	return nil
}

func (c *Catalog) insertLocked(key TxnKey, coord *Coordinator) {
	session, ok := c.coordinators[key.SessionID]
	if !ok {
		session = make(map[TxnNumber]*Coordinator)
		c.coordinators[key.SessionID] = session
	}
	session[key.TxnNumber] = coord
	c.count++
	if latest, ok := c.latest[key.SessionID]; !ok || key.TxnNumber > latest {
		c.latest[key.SessionID] = key.TxnNumber
	}
}

// registered runs once coord is in the registry, outside the catalog lock.
func (c *Catalog) registered(key TxnKey, coord *Coordinator, forStepUp bool) {
	c.logger.Debug("Inserted coordinator", zap.Stringer("key", key), zap.Bool("forStepUp", forStepUp))
	coord.registerRemoval(func() { c.remove(key) })
}

func (c *Catalog) notReadyErrLocked() error {
	if c.stepUpErr != nil {
		return fmt.Errorf("%w: step-up failed: %w", ErrCatalogNotReady, c.stepUpErr)
	}
	return ErrCatalogNotReady
}

// Get returns the coordinator registered under key.
func (c *Catalog) Get(key TxnKey) (*Coordinator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coord, ok := c.coordinators[key.SessionID][key.TxnNumber]
	return coord, ok
}

// GetLatestOnSession returns the coordinator with the highest txn number
// registered for sid.
func (c *Catalog) GetLatestOnSession(sid SessionID) (TxnNumber, *Coordinator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.latest[sid]
	if !ok {
		return 0, nil, false
	}
	return txn, c.coordinators[sid][txn], true
}

func (c *Catalog) remove(key TxnKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.coordinators[key.SessionID]
	if !ok {
		return
	}
	if _, ok := session[key.TxnNumber]; !ok {
		return
	}
	delete(session, key.TxnNumber)
	c.count--

	if len(session) == 0 {
		delete(c.coordinators, key.SessionID)
		delete(c.latest, key.SessionID)
	} else if c.latest[key.SessionID] == key.TxnNumber {
		var highest TxnNumber
		first := true
		for txn := range session {
			if first || txn > highest {
				highest = txn
				first = false
			}
		}
		c.latest[key.SessionID] = highest
	}
	c.logger.Debug("Removed coordinator", zap.Stringer("key", key), zap.Int("remaining", c.count))

	if c.count == 0 {
		c.cond.Broadcast()
	}
}

// OnStepDown blocks new inserts. Coordinators already registered are left
// to be stopped through their schedulers.
func (c *Catalog) OnStepDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Info("Catalog stepping down", zap.Int("coordinators", c.count))
	c.state = CatalogDraining
	c.cond.Broadcast()
}

// ExitStepUp ends step-up recovery. A nil status makes the catalog ready; an
// error keeps rejecting inserts until a later successful call. It has no
// effect once the catalog is draining.
func (c *Catalog) ExitStepUp(status error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CatalogDraining {
		c.logger.Info("Ignoring step-up completion on a draining catalog", zap.Error(status))
		return
	}
	if status != nil {
		c.logger.Warn("Step-up recovery failed", zap.Error(status))
		c.state = CatalogNotReady
		c.stepUpErr = status
	} else {
		c.logger.Info("Step-up complete, catalog ready", zap.Int("coordinators", c.count))
		c.state = CatalogReady
		c.stepUpErr = nil
	}
	c.cond.Broadcast()
}

// WaitForStepUp blocks until step-up completes. It returns nil once the
// catalog is ready, the step-up error if recovery failed, ErrSteppingDown if
// the catalog is draining, or the ctx error.
func (c *Catalog) WaitForStepUp(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		switch {
		case c.state == CatalogReady:
			return nil
		case c.state == CatalogDraining:
			return ErrSteppingDown
		case c.stepUpErr != nil:
			return c.notReadyErrLocked()
		case ctx.Err() != nil:
			return ctx.Err()
		}
		c.cond.Wait()
	}
}

// Join blocks until every coordinator has removed itself.
func (c *Catalog) Join() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.count > 0 {
		c.cond.Wait()
	}
}

// Filter calls visit for every registered coordinator matching predicate.
// Both run outside the catalog lock on a snapshot of the registry.
func (c *Catalog) Filter(predicate func(*Coordinator) bool, visit func(*Coordinator)) {
	c.mu.Lock()
	snapshot := make([]*Coordinator, 0, c.count)
	for _, session := range c.coordinators {
		for _, coord := range session {
			snapshot = append(snapshot, coord)
		}
	}
	c.mu.Unlock()

	for _, coord := range snapshot {
		if predicate == nil || predicate(coord) {
			visit(coord)
		}
	}
}

func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Catalog) State() CatalogState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
