// Package transaction implements two-phase commit coordination: the
// per-transaction Coordinator, the node-wide Catalog of active coordinators
// and the Service that ties both to primary step-up and step-down.
package transaction

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// SessionID identifies a logical client session.
type SessionID uuid.UUID

// NewSessionID returns a random session id.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// ParseSessionID parses the canonical textual form of a session id.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionID(id), nil
}

func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

func (s SessionID) MarshalText() ([]byte, error) {
	return uuid.UUID(s).MarshalText()
}

func (s *SessionID) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(s).UnmarshalText(data)
}

// TxnNumber increases monotonically within a session.
type TxnNumber int64

// TxnKey identifies one commit attempt.
type TxnKey struct {
	SessionID SessionID `json:"lsid"`
	TxnNumber TxnNumber `json:"txnNumber"`
}

func (k TxnKey) String() string {
	return fmt.Sprintf("%s:%d", k.SessionID, k.TxnNumber)
}

// ParticipantID names a shard taking part in a transaction.
type ParticipantID string

// dedupParticipants drops repeated ids and keeps first-seen order.
func dedupParticipants(participants []ParticipantID) []ParticipantID {
	seen := make(map[ParticipantID]struct{}, len(participants))
	out := make([]ParticipantID, 0, len(participants))
	for _, p := range participants {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Timestamp is a cluster logical time.
type Timestamp struct {
	Secs uint32 `json:"t"`
	Inc  uint32 `json:"i"`
}

func (t Timestamp) IsZero() bool {
	return t.Secs == 0 && t.Inc == 0
}

// Compare returns -1, 0 or +1.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Secs < o.Secs:
		return -1
	case t.Secs > o.Secs:
		return 1
	case t.Inc < o.Inc:
		return -1
	case t.Inc > o.Inc:
		return 1
	}
	return 0
}

func (t Timestamp) Less(o Timestamp) bool {
	return t.Compare(o) < 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(%d, %d)", t.Secs, t.Inc)
}

// MaxTimestamp returns the greatest of ts, or the zero timestamp if ts is empty.
func MaxTimestamp(ts ...Timestamp) Timestamp {
	if len(ts) == 0 {
		return Timestamp{}
	}
	return slices.MaxFunc(ts, Timestamp.Compare)
}

// Vote is a participant's answer to prepare.
type Vote struct {
	Commit           bool      `json:"commit"`
	PrepareTimestamp Timestamp `json:"prepareTimestamp,omitzero"`
	AbortReason      string    `json:"abortReason,omitempty"`
}

func VoteCommit(ts Timestamp) Vote {
	return Vote{Commit: true, PrepareTimestamp: ts}
}

func VoteAbort(reason string) Vote {
	return Vote{AbortReason: reason}
}

// CommitDecision is the binding outcome of a transaction.
type CommitDecision int

const (
	DecisionAbort CommitDecision = iota
	DecisionCommit
)

func (d CommitDecision) String() string {
	switch d {
	case DecisionCommit:
		return "commit"
	case DecisionAbort:
		return "abort"
	}
	return fmt.Sprintf("CommitDecision(%d)", int(d))
}

// Decision is the coordinator's outcome together with its commit timestamp
// or abort reason.
type Decision struct {
	Outcome         CommitDecision `json:"decision"`
	CommitTimestamp Timestamp      `json:"commitTimestamp,omitzero"`
	AbortReason     string         `json:"abortReason,omitempty"`
}

func CommitDecisionAt(ts Timestamp) Decision {
	return Decision{Outcome: DecisionCommit, CommitTimestamp: ts}
}

func AbortDecision(reason string) Decision {
	return Decision{Outcome: DecisionAbort, AbortReason: reason}
}

func (d Decision) IsCommit() bool {
	return d.Outcome == DecisionCommit
}

func (d Decision) String() string {
	if d.IsCommit() {
		return fmt.Sprintf("commit at %s", d.CommitTimestamp)
	}
	if d.AbortReason != "" {
		return "abort: " + d.AbortReason
	}
	return "abort"
}

// CoordinatorDoc is the durable record of a coordinator. Decision is nil
// until the decision has been persisted.
type CoordinatorDoc struct {
	Key          TxnKey          `json:"_id"`
	Participants []ParticipantID `json:"participants"`
	Decision     *Decision       `json:"decision,omitempty"`
}

// State is the coordinator's position in the commit protocol.
type State int

const (
	StateCreated State = iota
	StatePreparing
	StateDeciding
	StateCommitting
	StateAborting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePreparing:
		return "preparing"
	case StateDeciding:
		return "deciding"
	case StateCommitting:
		return "committing"
	case StateAborting:
		return "aborting"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
