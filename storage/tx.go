package storage

import (
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/vocdoni/securevote/log"
)

// Operations recorded in the journal, named after the contract methods.
const (
	TxOpCreatePoll     = "createPoll"
	TxOpVote           = "vote"
	TxOpEndPoll        = "endPoll"
	TxOpPublishResults = "publishResults"
)

// TxStatus is the inclusion status of a recorded transaction.
type TxStatus uint8

const (
	TxStatusPending = TxStatus(iota)
	TxStatusConfirmed
	TxStatusFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusPending:
		return "pending"
	case TxStatusConfirmed:
		return "confirmed"
	case TxStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its name.
func (s TxStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseTxStatus returns the status named name.
func ParseTxStatus(name string) (TxStatus, error) {
	for _, s := range []TxStatus{TxStatusPending, TxStatusConfirmed, TxStatusFailed} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown transaction status %q", name)
}

// UnmarshalText decodes a status name.
func (s *TxStatus) UnmarshalText(text []byte) error {
	status, err := ParseTxStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// TxRecord is a contract write sent by this client. PollID is nil for
// createPoll, whose poll id is only known once mined. Times have second
// precision.
type TxRecord struct {
	ID        uuid.UUID      `json:"id"`
	Op        string         `json:"op"`
	PollID    *uint64        `json:"pollId,omitempty"`
	From      common.Address `json:"from"`
	TxHash    common.Hash    `json:"txHash"`
	Status    TxStatus       `json:"status"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RecordTx stores a new pending record and returns its id.
func (s *Storage) RecordTx(op string, pollID *uint64, from common.Address, hash common.Hash) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("could not generate record id: %w", err)
	}
	now := time.Now().Truncate(time.Second)
	rec := &TxRecord{
		ID:        id,
		Op:        op,
		PollID:    pollID,
		From:      from,
		TxHash:    hash,
		Status:    TxStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.setRecord(txPrefix, id[:], rec); err != nil {
		return uuid.Nil, fmt.Errorf("could not store tx record: %w", err)
	}
	log.Debugw("tx recorded", "id", id.String(), "op", op, "tx", hash.Hex())
	return id, nil
}

// MarkTxConfirmed sets the record status to confirmed.
func (s *Storage) MarkTxConfirmed(id uuid.UUID) error {
	return s.updateTx(id, TxStatusConfirmed, "")
}

// MarkTxFailed sets the record status to failed with the given reason.
func (s *Storage) MarkTxFailed(id uuid.UUID, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return s.updateTx(id, TxStatusFailed, msg)
}

func (s *Storage) updateTx(id uuid.UUID, status TxStatus, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	rec := &TxRecord{}
	if err := s.getRecord(txPrefix, id[:], rec); err != nil {
		return fmt.Errorf("tx record %s: %w", id, err)
	}
	rec.Status = status
	rec.Error = reason
	rec.UpdatedAt = time.Now().Truncate(time.Second)
	return s.setRecord(txPrefix, id[:], rec)
}

// Tx returns the record with the given id or ErrNotFound.
func (s *Storage) Tx(id uuid.UUID) (*TxRecord, error) {
	rec := &TxRecord{}
	if err := s.getRecord(txPrefix, id[:], rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// TxFilter selects records in ListTxs. Zero values match everything.
type TxFilter struct {
	PollID *uint64
	Status *TxStatus
	Limit  int
}

func (f *TxFilter) match(rec *TxRecord) bool {
	if f.PollID != nil && (rec.PollID == nil || *rec.PollID != *f.PollID) {
		return false
	}
	if f.Status != nil && rec.Status != *f.Status {
		return false
	}
	return true
}

// ListTxs returns the records matching filter, most recent first.
func (s *Storage) ListTxs(filter TxFilter) ([]*TxRecord, error) {
	var recs []*TxRecord
	var decodeErr error
	if err := s.iterateRecords(txPrefix, func(_, value []byte) bool {
		rec := &TxRecord{}
		if decodeErr = decodeRecord(value, rec); decodeErr != nil {
			return false
		}
		if filter.match(rec) {
			recs = append(recs, rec)
		}
		return true
	}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("could not decode tx record: %w", decodeErr)
	}
	slices.Reverse(recs)
	if filter.Limit > 0 && len(recs) > filter.Limit {
		recs = recs[:filter.Limit]
	}
	return recs, nil
}

// PruneTxs removes confirmed and failed records last updated before the
// given time and returns how many were removed. Pending records are kept.
func (s *Storage) PruneTxs(before time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var stale [][]byte
	if err := s.iterateRecords(txPrefix, func(key, value []byte) bool {
		rec := &TxRecord{}
		if err := decodeRecord(value, rec); err != nil {
			log.Warnw("pruning undecodable tx record", "key", fmt.Sprintf("%x", key), "error", err.Error())
			stale = append(stale, key)
			return true
		}
		if rec.Status != TxStatusPending && rec.UpdatedAt.Before(before) {
			stale = append(stale, key)
		}
		return true
	}); err != nil {
		return 0, err
	}
	for _, key := range stale {
		if err := s.deleteRecord(txPrefix, key); err != nil {
			return 0, fmt.Errorf("could not prune tx record: %w", err)
		}
	}
	return len(stale), nil
}
