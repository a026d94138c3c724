package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

const defaultCompactAfter = 1024

type participantsPayload struct {
	Participants []transaction.ParticipantID `json:"participants"`
}

type decisionPayload struct {
	Participants []transaction.ParticipantID `json:"participants"`
	Decision     transaction.Decision        `json:"decision"`
}

// Store is a transaction.DecisionStore backed by the write-ahead log. The live
// documents are kept in memory and rebuilt by replaying the log on open. After
// CompactAfter forgets the log is rewritten to hold only live documents.
type Store struct {
	lm           *LogManager
	logger       *zap.Logger
	compactAfter int

	mu        sync.Mutex
	docs      map[transaction.TxnKey]transaction.CoordinatorDoc
	forgotten int
}

var _ transaction.DecisionStore = (*Store)(nil)

// OpenStore opens the log in cfg.Dir and replays it.
func OpenStore(cfg Config, compactAfter int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if compactAfter <= 0 {
		compactAfter = defaultCompactAfter
	}
	lm, err := NewLogManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &Store{
		lm:           lm,
		logger:       logger.Named("wal_store"),
		compactAfter: compactAfter,
		docs:         make(map[transaction.TxnKey]transaction.CoordinatorDoc),
	}
	if err := lm.Replay(s.apply); err != nil {
		lm.Close()
		return nil, err
	}
	s.logger.Info("Recovered coordinator documents from log", zap.Int("documents", len(s.docs)))
	return s, nil
}

func (s *Store) apply(lr *LogRecord) error {
	switch lr.Type {
	case LogRecordTypeParticipants:
		var p participantsPayload
		if err := json.Unmarshal(lr.Payload, &p); err != nil {
			return fmt.Errorf("lsn %d: %w", lr.LSN, err)
		}
		if doc, ok := s.docs[lr.Key]; ok && doc.Decision != nil {
			return nil
		}
		s.docs[lr.Key] = transaction.CoordinatorDoc{Key: lr.Key, Participants: p.Participants}
	case LogRecordTypeDecision:
		var p decisionPayload
		if err := json.Unmarshal(lr.Payload, &p); err != nil {
			return fmt.Errorf("lsn %d: %w", lr.LSN, err)
		}
		if err := transaction.ApplyDecision(s.docs, lr.Key, p.Participants, p.Decision); err != nil {
			s.logger.Warn("Ignoring conflicting decision in log", zap.Uint64("lsn", uint64(lr.LSN)), zap.Error(err))
		}
	case LogRecordTypeForget:
		delete(s.docs, lr.Key)
	default:
		return fmt.Errorf("%w: unknown record type %s at lsn %d", ErrCorruptRecord, lr.Type, lr.LSN)
	}
	return nil
}

func (s *Store) append(typ LogRecordType, key transaction.TxnKey, payload any) error {
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	_, err := s.lm.Append(&LogRecord{Type: typ, Key: key, Payload: raw})
	return err
}

func (s *Store) PersistParticipants(ctx context.Context, key transaction.TxnKey, participants []transaction.ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[key]; ok && doc.Decision != nil {
		return nil
	}
	if err := s.append(LogRecordTypeParticipants, key, participantsPayload{Participants: participants}); err != nil {
		return err
	}
	s.docs[key] = transaction.CoordinatorDoc{Key: key, Participants: slices.Clone(participants)}
	return nil
}

func (s *Store) PersistDecision(ctx context.Context, key transaction.TxnKey, participants []transaction.ParticipantID, decision transaction.Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[key]; ok && doc.Decision != nil {
		// Already decided: either a no-op or a conflict.
		return transaction.ApplyDecision(s.docs, key, participants, decision)
	}
	if err := s.append(LogRecordTypeDecision, key, decisionPayload{Participants: participants, Decision: decision}); err != nil {
		return err
	}
	return transaction.ApplyDecision(s.docs, key, participants, decision)
}

func (s *Store) Forget(ctx context.Context, key transaction.TxnKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key]; !ok {
		return nil
	}
	if err := s.append(LogRecordTypeForget, key, nil); err != nil {
		return err
	}
	delete(s.docs, key)
	s.forgotten++
	if s.forgotten >= s.compactAfter {
		if err := s.compactLocked(); err != nil {
			s.logger.Warn("Log compaction failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Store) ReadAll(ctx context.Context) ([]transaction.CoordinatorDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return transaction.SortedDocs(s.docs), nil
}

// Compact rewrites the log so that it holds only the live documents.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	docs := transaction.SortedDocs(s.docs)
	records := make([]*LogRecord, 0, len(docs))
	for _, doc := range docs {
		var (
			typ     LogRecordType
			payload any
		)
		if doc.Decision == nil {
			typ, payload = LogRecordTypeParticipants, participantsPayload{Participants: doc.Participants}
		} else {
			typ, payload = LogRecordTypeDecision, decisionPayload{Participants: doc.Participants, Decision: *doc.Decision}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		records = append(records, &LogRecord{Type: typ, Key: doc.Key, Payload: raw})
	}
	if err := s.lm.Rewrite(records); err != nil {
		return err
	}
	s.forgotten = 0
	return nil
}

// Close closes the underlying log.
func (s *Store) Close() error {
	return s.lm.Close()
}
