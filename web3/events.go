package web3

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/securevote/log"
)

const (
	// maxPastBlocksToWatch is how far back the first event query looks.
	maxPastBlocksToWatch = 9990
	// maxBlocksPerQuery caps the block range of a single eth_getLogs call.
	maxBlocksPerQuery = 5000
)

// Event names emitted by SecureVote.
const (
	EventPollCreated      = "PollCreated"
	EventVoteCast         = "VoteCast"
	EventPollEnded        = "PollEnded"
	EventResultsPublished = "ResultsPublished"
)

// PollEvent is a decoded SecureVote log. Account is the poll creator for
// PollCreated and the voter for VoteCast, zero otherwise.
type PollEvent struct {
	Name    string         `json:"name"`
	PollID  uint64         `json:"pollId"`
	Account common.Address `json:"account"`
	Block   uint64         `json:"block"`
	TxHash  common.Hash    `json:"txHash"`
}

// eventTopics returns the topic0 hashes of every poll event.
func (s *SecureVote) eventTopics() []common.Hash {
	names := []string{EventPollCreated, EventVoteCast, EventPollEnded, EventResultsPublished}
	topics := make([]common.Hash, 0, len(names))
	for _, name := range names {
		if ev, ok := s.abi.Events[name]; ok {
			topics = append(topics, ev.ID)
		}
	}
	return topics
}

// PollEvents returns the poll events emitted between the from and to blocks,
// both included, in chain order.
func (s *SecureVote) PollEvents(ctx context.Context, from, to uint64) ([]*PollEvent, error) {
	logs, err := s.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.address},
		Topics:    [][]common.Hash{s.eventTopics()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter poll events: %w", err)
	}
	events := make([]*PollEvent, 0, len(logs))
	for i := range logs {
		ev, err := s.parseEvent(&logs[i])
		if err != nil {
			log.Debugw("skipping undecodable log", "tx", logs[i].TxHash.Hex(), "error", err.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *SecureVote) parseEvent(l *gethtypes.Log) (*PollEvent, error) {
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("log without indexed poll id")
	}
	abiEvent, err := s.abi.EventByID(l.Topics[0])
	if err != nil {
		return nil, err
	}
	pollID := new(big.Int).SetBytes(l.Topics[1].Bytes())
	if !pollID.IsUint64() {
		return nil, fmt.Errorf("poll id %s overflows uint64", pollID)
	}
	ev := &PollEvent{
		Name:   abiEvent.Name,
		PollID: pollID.Uint64(),
		Block:  l.BlockNumber,
		TxHash: l.TxHash,
	}
	if (ev.Name == EventPollCreated || ev.Name == EventVoteCast) && len(l.Topics) > 2 {
		ev.Account = common.BytesToAddress(l.Topics[2].Bytes())
	}
	return ev, nil
}

// MonitorPollEvents polls the chain every interval and streams new poll
// events on the returned channel, which is closed when ctx is done. The
// first query starts maxPastBlocksToWatch blocks behind the head.
func (s *SecureVote) MonitorPollEvents(ctx context.Context, interval time.Duration) (<-chan *PollEvent, error) {
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	lastWatchBlock := uint64(max(int64(head)-maxPastBlocksToWatch, 0))

	ch := make(chan *PollEvent)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Debugw("exiting poll events monitor", "contract", s.address.Hex())
				return
			case <-ticker.C:
				end, err := s.backend.BlockNumber(ctx)
				if err != nil {
					log.Debugw("failed to get block number, retrying", "error", err.Error())
					continue
				}
				if end < lastWatchBlock {
					continue
				}
				end = min(end, lastWatchBlock+maxBlocksPerQuery)
				events, err := s.PollEvents(ctx, lastWatchBlock, end)
				if err != nil {
					log.Debugw("failed to filter poll events, retrying", "error", err.Error())
					continue
				}
				lastWatchBlock = end + 1
				for _, ev := range events {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}
