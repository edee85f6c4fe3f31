package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// MinPollOptions is the minimum number of options a poll can be created with.
	MinPollOptions = 2
	// MaxPollOptions is the maximum number of options a poll can be created
	// with. It matches the fixed size of the encrypted counts array.
	MaxPollOptions = 4
	// EncryptedCountsCapacity is the number of encrypted count slots the
	// contract returns for every poll, regardless of its options count.
	EncryptedCountsCapacity = 4
)

// PollStatus is the time based status of a poll, derived from its start and
// end timestamps and the current time.
type PollStatus uint8

const (
	PollStatusUnknown = PollStatus(iota) // poll not loaded yet
	PollStatusUpcoming
	PollStatusLive
	PollStatusEnded

	PollStatusUnknownName  = "unknown"
	PollStatusUpcomingName = "upcoming"
	PollStatusLiveName     = "live"
	PollStatusEndedName    = "ended"
)

func (s PollStatus) String() string {
	switch s {
	case PollStatusUpcoming:
		return PollStatusUpcomingName
	case PollStatusLive:
		return PollStatusLiveName
	case PollStatusEnded:
		return PollStatusEndedName
	default:
		return PollStatusUnknownName
	}
}

// MarshalText encodes the status as its name.
func (s PollStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PollInfo is the on-chain metadata of a poll as returned by getPollInfo. The
// boolean flags are monotonic: once observed true they never go back.
type PollInfo struct {
	ID                    uint64         `json:"id"`
	Name                  string         `json:"name"`
	Options               []string       `json:"options"`
	StartTime             uint64         `json:"startTime"`
	EndTime               uint64         `json:"endTime"`
	Creator               common.Address `json:"creator"`
	Ended                 bool           `json:"ended"`
	PublicDecryptionReady bool           `json:"publicDecryptionReady"`
	ResultsPublished      bool           `json:"resultsPublished"`
}

// OptionsCount returns the number of options of the poll.
func (p *PollInfo) OptionsCount() int {
	if p == nil {
		return 0
	}
	return len(p.Options)
}

// ValidOption reports whether index points to one of the poll options.
func (p *PollInfo) ValidOption(index int) bool {
	return index >= 0 && index < p.OptionsCount()
}

func (p *PollInfo) String() string {
	if p == nil {
		return "<nil poll>"
	}
	return fmt.Sprintf("poll %d %q [%s] %d-%d creator %s",
		p.ID, p.Name, strings.Join(p.Options, ","), p.StartTime, p.EndTime, ShortAddress(p.Creator))
}

// PublishedResults are the cleartext counts stored on-chain by
// publishResults. Counts is only meaningful when Published is true.
type PublishedResults struct {
	Counts    []uint32 `json:"counts"`
	Published bool     `json:"published"`
}
