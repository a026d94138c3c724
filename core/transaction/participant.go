package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TransactionState represents the in-memory state of a transaction on a participant.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, operations are being applied
	TxnStatePrepared                          // Participant has voted COMMIT and is waiting for global decision
	TxnStateCommitted                         // Participant has received COMMIT decision
	TxnStateAborted                           // Participant has received ABORT decision or decided to abort locally
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStatePrepared:
		return "prepared"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	}
	return fmt.Sprintf("TransactionState(%d)", int(s))
}

// ErrDecisionMismatch is returned when a participant is told the opposite of
// what it already applied.
var ErrDecisionMismatch = errors.New("decision contradicts the participant's state")

// participantTxn is a participant's record of one transaction.
type participantTxn struct {
	State            TransactionState
	PrepareTimestamp Timestamp
	CommitTimestamp  Timestamp
}

// Participant is an in-memory 2PC participant. It votes commit unless told
// otherwise with VoteAbortOn, and answers ErrNoSuchTransaction for decisions
// about transactions it never prepared.
type Participant struct {
	id ParticipantID

	mu        sync.Mutex
	now       func() time.Time
	lastTs    Timestamp
	txns      map[TxnKey]*participantTxn
	abortWith map[TxnKey]string
}

func NewParticipant(id ParticipantID) *Participant {
	return &Participant{
		id:        id,
		now:       time.Now,
		txns:      make(map[TxnKey]*participantTxn),
		abortWith: make(map[TxnKey]string),
	}
}

func (p *Participant) ID() ParticipantID {
	return p.id
}

// Begin records key as running.
func (p *Participant) Begin(key TxnKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txns[key]; !ok {
		p.txns[key] = &participantTxn{State: TxnStateRunning}
	}
}

// VoteAbortOn makes the next prepare of key vote abort with reason.
func (p *Participant) VoteAbortOn(key TxnKey, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortWith[key] = reason
}

// nextTimestampLocked returns a timestamp greater than every previous one.
func (p *Participant) nextTimestampLocked() Timestamp {
	secs := uint32(p.now().Unix())
	if secs > p.lastTs.Secs {
		p.lastTs = Timestamp{Secs: secs, Inc: 1}
	} else {
		p.lastTs.Inc++
	}
	return p.lastTs
}

func (p *Participant) Prepare(key TxnKey) Vote {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn, ok := p.txns[key]
	if !ok {
		txn = &participantTxn{State: TxnStateRunning}
		p.txns[key] = txn
	}
	switch txn.State {
	case TxnStatePrepared:
		return VoteCommit(txn.PrepareTimestamp)
	case TxnStateCommitted:
		return VoteCommit(txn.PrepareTimestamp)
	case TxnStateAborted:
		return VoteAbort("transaction already aborted")
	}
	if reason, ok := p.abortWith[key]; ok {
		delete(p.abortWith, key)
		txn.State = TxnStateAborted
		return VoteAbort(reason)
	}
	txn.State = TxnStatePrepared
	txn.PrepareTimestamp = p.nextTimestampLocked()
	return VoteCommit(txn.PrepareTimestamp)
}

func (p *Participant) Commit(key TxnKey, ts Timestamp) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn, ok := p.txns[key]
	if !ok {
		return ErrNoSuchTransaction
	}
	switch txn.State {
	case TxnStateCommitted:
		return nil
	case TxnStatePrepared:
		txn.State = TxnStateCommitted
		txn.CommitTimestamp = ts
		return nil
	}
	return fmt.Errorf("%w: commit of %s in state %s", ErrDecisionMismatch, key, txn.State)
}

func (p *Participant) Abort(key TxnKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn, ok := p.txns[key]
	if !ok {
		return ErrNoSuchTransaction
	}
	switch txn.State {
	case TxnStateCommitted:
		return fmt.Errorf("%w: abort of committed %s", ErrDecisionMismatch, key)
	}
	txn.State = TxnStateAborted
	return nil
}

// State returns the participant's state for key.
func (p *Participant) State(key TxnKey) (TransactionState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn, ok := p.txns[key]
	if !ok {
		return 0, false
	}
	return txn.State, true
}

// CommitTimestamp returns the timestamp key was committed at.
func (p *Participant) CommitTimestamp(key TxnKey) (Timestamp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn, ok := p.txns[key]
	if !ok || txn.State != TxnStateCommitted {
		return Timestamp{}, false
	}
	return txn.CommitTimestamp, true
}

// LocalParticipants is a ParticipantClient that calls in-process participants.
type LocalParticipants map[ParticipantID]*Participant

func (l LocalParticipants) get(id ParticipantID) (*Participant, error) {
	p, ok := l[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownParticipant, id)
	}
	return p, nil
}

func (l LocalParticipants) SendPrepare(ctx context.Context, id ParticipantID, req PrepareRequest) (Vote, error) {
	if err := ctx.Err(); err != nil {
		return Vote{}, err
	}
	p, err := l.get(id)
	if err != nil {
		return Vote{}, err
	}
	return p.Prepare(req.Key), nil
}

func (l LocalParticipants) SendDecision(ctx context.Context, id ParticipantID, req DecisionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.get(id)
	if err != nil {
		return err
	}
	if req.Decision.IsCommit() {
		return p.Commit(req.Key, req.Decision.CommitTimestamp)
	}
	return p.Abort(req.Key)
}
