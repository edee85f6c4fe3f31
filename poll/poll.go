// Package poll derives the display state of a poll from the values read from
// the contract and the current time. Everything here is a pure function of
// its inputs; callers recompute views whenever they refresh.
package poll

import (
	"time"

	"github.com/vocdoni/securevote/types"
)

// StatusAt returns the status of a poll running from start to end (unix
// seconds, both included) at now.
func StatusAt(now, start, end uint64) types.PollStatus {
	switch {
	case now < start:
		return types.PollStatusUpcoming
	case now <= end:
		return types.PollStatusLive
	default:
		return types.PollStatusEnded
	}
}

// Status returns the status of info at now, or PollStatusUnknown if the poll
// is not loaded.
func Status(now time.Time, info *types.PollInfo) types.PollStatus {
	if info == nil {
		return types.PollStatusUnknown
	}
	return StatusAt(unix(now), info.StartTime, info.EndTime)
}

func unix(t time.Time) uint64 {
	if s := t.Unix(); s > 0 {
		return uint64(s)
	}
	return 0
}

// IDsNewestFirst returns the ids of count sequentially numbered polls, most
// recent first.
func IDsNewestFirst(count uint64) []uint64 {
	ids := make([]uint64, 0, count)
	for id := count; id > 0; id-- {
		ids = append(ids, id-1)
	}
	return ids
}

// Inputs are the raw reads a View is computed from. Info is nil until the
// poll is loaded. Published and Tally are optional.
type Inputs struct {
	Info      *types.PollInfo
	HasVoted  bool
	Published *types.PublishedResults
	Tally     *types.DecryptedTally
}

// OptionResult is the count of a single option.
type OptionResult struct {
	Option string `json:"option"`
	Count  uint64 `json:"count"`
}

// View is the derived, display ready state of a poll.
type View struct {
	Poll       *types.PollInfo  `json:"poll,omitempty"`
	Status     types.PollStatus `json:"status"`
	Creator    string           `json:"creator,omitempty"`
	HasVoted   bool             `json:"hasVoted"`
	CanVote    bool             `json:"canVote"`
	CanEnd     bool             `json:"canEnd"`
	CanDecrypt bool             `json:"canDecrypt"`
	CanPublish bool             `json:"canPublish"`
	Published  bool             `json:"published"`
	// Results holds the counts published on-chain.
	Results []OptionResult `json:"results,omitempty"`
	// Decrypted holds the local, not yet published, tally.
	Decrypted []OptionResult `json:"decrypted,omitempty"`
}

// NewView computes the View of a poll at now.
func NewView(now time.Time, in Inputs) *View {
	v := &View{
		Poll:     in.Info,
		Status:   Status(now, in.Info),
		HasVoted: in.HasVoted,
	}
	if in.Info == nil {
		return v
	}
	v.Creator = types.ShortAddress(in.Info.Creator)
	v.Published = in.Info.ResultsPublished || (in.Published != nil && in.Published.Published)

	v.CanVote = v.Status == types.PollStatusLive && !in.HasVoted
	v.CanEnd = v.Status == types.PollStatusEnded && !in.Info.PublicDecryptionReady
	v.CanDecrypt = in.Info.PublicDecryptionReady
	v.CanPublish = in.Tally != nil && !v.Published

	if in.Published != nil && in.Published.Published {
		v.Results = make([]OptionResult, len(in.Published.Counts))
		for i, count := range in.Published.Counts {
			v.Results[i] = OptionResult{Option: optionLabel(in.Info, i), Count: uint64(count)}
		}
	}
	if in.Tally != nil {
		v.Decrypted = make([]OptionResult, len(in.Info.Options))
		for i, option := range in.Info.Options {
			v.Decrypted[i] = OptionResult{Option: option}
			if i < len(in.Tally.Counts) {
				v.Decrypted[i].Count = in.Tally.Counts[i]
			}
		}
	}
	return v
}

func optionLabel(info *types.PollInfo, i int) string {
	if i < len(info.Options) {
		return info.Options[i]
	}
	return ""
}
