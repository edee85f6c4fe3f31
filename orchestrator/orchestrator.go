// Package orchestrator sequences the user operations on polls (vote, end,
// decrypt, publish and create) against the contract and the encryption
// service, checking local preconditions first and turning failures into
// user facing messages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	bind "github.com/ethereum/go-ethereum/accounts/abi/bind/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/relayer"
	"github.com/vocdoni/securevote/types"
)

// Contract is the SecureVote surface the orchestrators use. Writes return
// as soon as the transaction is sent; WaitTx waits for its inclusion.
type Contract interface {
	Address() common.Address
	PollCount(ctx context.Context) (uint64, error)
	PollInfo(ctx context.Context, pollID uint64) (*types.PollInfo, error)
	HasVoted(ctx context.Context, pollID uint64, voter common.Address) (bool, error)
	EncryptedCounts(ctx context.Context, pollID uint64) (*types.EncryptedCounts, error)
	PublishedResults(ctx context.Context, pollID uint64) (*types.PublishedResults, error)
	CreatePoll(opts *bind.TransactOpts, name string, options []string, startTime, endTime uint64) (common.Hash, error)
	Vote(opts *bind.TransactOpts, pollID uint64, handle common.Hash, inputProof []byte) (common.Hash, error)
	EndPoll(opts *bind.TransactOpts, pollID uint64) (common.Hash, error)
	PublishResults(opts *bind.TransactOpts, pollID uint64, cleartextValues, decryptionProof []byte) (common.Hash, error)
	WaitTx(ctx context.Context, hash common.Hash) error
}

// Wallet is the connected account. TransactOpts is called once per write.
type Wallet interface {
	Connected() bool
	Address() common.Address
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// Recorder journals the transactions sent by the orchestrators.
type Recorder interface {
	RecordTx(op string, pollID *uint64, from common.Address, hash common.Hash) (uuid.UUID, error)
	MarkTxConfirmed(id uuid.UUID) error
	MarkTxFailed(id uuid.UUID, reason error) error
}

// Deps are the collaborators shared by the orchestrators of one shell.
// Contract is nil while no valid contract address is set and Relayer is nil
// while the encryption service is not loaded. Recorder and Clock are
// optional.
type Deps struct {
	Contract Contract
	Wallet   Wallet
	Relayer  relayer.Service
	Recorder Recorder
	Clock    func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Deps) walletConnected() bool {
	return d.Wallet != nil && d.Wallet.Connected()
}

func (d *Deps) relayerReady() bool {
	return d.Relayer != nil && d.Relayer.Ready()
}

// transactOpts resolves a fresh signer for one write.
func (d *Deps) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if !d.walletConnected() {
		return nil, ErrSignerUnavailable
	}
	opts, err := d.Wallet.TransactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	if opts == nil {
		return nil, fmt.Errorf("%w: no transaction options", ErrSignerUnavailable)
	}
	return opts, nil
}

// send runs write with opts, journals the transaction and waits for it to
// be mined. A wait abandoned through ctx leaves the record pending.
func (d *Deps) send(ctx context.Context, contract Contract, opts *bind.TransactOpts, op string, pollID *uint64,
	write func(*bind.TransactOpts) (common.Hash, error),
) error {
	hash, err := write(opts)
	if err != nil {
		return err
	}
	var recordID uuid.UUID
	if d.Recorder != nil {
		if pollID != nil {
			id := *pollID
			pollID = &id
		}
		if recordID, err = d.Recorder.RecordTx(op, pollID, opts.From, hash); err != nil {
			log.Warnw("failed to record transaction", "op", op, "tx", hash.Hex(), "error", err.Error())
		}
	}
	waitErr := contract.WaitTx(ctx, hash)
	if recordID == uuid.Nil {
		return waitErr
	}
	switch {
	case waitErr == nil:
		err = d.Recorder.MarkTxConfirmed(recordID)
	case errors.Is(waitErr, context.Canceled), errors.Is(waitErr, context.DeadlineExceeded):
	default:
		err = d.Recorder.MarkTxFailed(recordID, waitErr)
	}
	if err != nil {
		log.Warnw("failed to update transaction record", "id", recordID.String(), "error", err.Error())
	}
	return waitErr
}

// Feedback is the outcome message of the last operation. At most one of
// Error and Success is set.
type Feedback struct {
	Error   string `json:"error,omitempty"`
	Success string `json:"success,omitempty"`
}

func feedbackFor(success string, err error) Feedback {
	if err != nil {
		return Feedback{Error: UserMessage(err)}
	}
	return Feedback{Success: success}
}
