package transaction

import (
	"context"
	"errors"
)

var (
	// ErrRetryable marks a prepare failure after which the participant may
	// still vote, such as a write concern timeout or an unreachable host.
	// Such a prepare is retried up to RetryPolicy.MaxPrepareAttempts times.
	// Any other prepare failure counts as an abort vote at once.
	ErrRetryable = errors.New("retryable participant error")
	// ErrNoSuchTransaction is returned by a participant that has no record of
	// the transaction. For an abort it is as good as an acknowledgement.
	ErrNoSuchTransaction = errors.New("no such transaction")
	// ErrUnknownParticipant is returned for a participant id that cannot be
	// routed.
	ErrUnknownParticipant = errors.New("unknown participant")

	ErrCatalogNotReady = errors.New("transaction coordinator catalog is not ready")
	ErrSteppingDown    = errors.New("transaction coordinator is stepping down")
	ErrNotPrimary      = errors.New("node is not primary")
	ErrDeadlineReached = errors.New("transaction deadline reached before a decision was made")
	ErrCancelled       = errors.New("transaction cancelled before commit started")
)

// PrepareRequest asks a participant to prepare its part of the transaction.
type PrepareRequest struct {
	Key TxnKey `json:"key"`
}

// DecisionRequest delivers the coordinator's decision to a participant.
type DecisionRequest struct {
	Key      TxnKey   `json:"key"`
	Decision Decision `json:"decision"`
}

// ParticipantClient sends 2PC messages to named participants. Calls block
// until the participant answers or ctx is done.
type ParticipantClient interface {
	SendPrepare(ctx context.Context, participant ParticipantID, req PrepareRequest) (Vote, error)
	SendDecision(ctx context.Context, participant ParticipantID, req DecisionRequest) error
}

// DecisionStore durably records coordinator documents. A write must be
// durable when it returns nil.
type DecisionStore interface {
	PersistParticipants(ctx context.Context, key TxnKey, participants []ParticipantID) error
	PersistDecision(ctx context.Context, key TxnKey, participants []ParticipantID, decision Decision) error
	Forget(ctx context.Context, key TxnKey) error
	ReadAll(ctx context.Context) ([]CoordinatorDoc, error)
}
