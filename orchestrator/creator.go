package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	bind "github.com/ethereum/go-ethereum/accounts/abi/bind/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/storage"
	"github.com/vocdoni/securevote/types"
)

// DateTimeLocalLayout is the layout of an HTML datetime-local input, the
// default format of the creation form times.
const DateTimeLocalLayout = "2006-01-02T15:04"

// defaultPollDuration is the default distance between start and end time.
const defaultPollDuration = time.Hour

// CreatorForm holds the fields of the poll creation form as typed by the
// user. Times are unix seconds, RFC3339 or DateTimeLocalLayout strings.
type CreatorForm struct {
	Name      string   `json:"name"`
	Options   []string `json:"options"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
}

// Creator validates and submits new polls.
type Creator struct {
	mtx       sync.Mutex
	deps      *Deps
	form      CreatorForm
	state     types.OperationState
	feedback  Feedback
	onCreated func(context.Context)
}

// NewCreator returns a creator with a default form. onCreated, if not nil,
// is called with the context of Create after every confirmed creation.
func NewCreator(deps *Deps, onCreated func(context.Context)) *Creator {
	c := &Creator{deps: deps, onCreated: onCreated}
	c.form = c.defaultForm()
	return c
}

func (c *Creator) defaultForm() CreatorForm {
	now := c.deps.now()
	return CreatorForm{
		Options:   []string{"", ""},
		StartTime: now.Format(DateTimeLocalLayout),
		EndTime:   now.Add(defaultPollDuration).Format(DateTimeLocalLayout),
	}
}

// SetDeps replaces the collaborators, keeping the form.
func (c *Creator) SetDeps(deps *Deps) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.deps = deps
}

// Form returns a copy of the form.
func (c *Creator) Form() CreatorForm {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	f := c.form
	f.Options = slices.Clone(c.form.Options)
	return f
}

// SetForm replaces the whole form. The option list is kept as given; its
// length is checked by Create.
func (c *Creator) SetForm(f CreatorForm) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	f.Options = slices.Clone(f.Options)
	c.form = f
}

// SetName sets the poll name.
func (c *Creator) SetName(name string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.form.Name = name
}

// SetTimes sets the start and end time fields.
func (c *Creator) SetTimes(start, end string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.form.StartTime = start
	c.form.EndTime = end
}

// SetOption sets the label of option i.
func (c *Creator) SetOption(i int, label string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if i < 0 || i >= len(c.form.Options) {
		return fmt.Errorf("option %d out of range", i)
	}
	c.form.Options[i] = label
	return nil
}

// AddOption appends an empty option. It does nothing and returns false when
// the form already has the maximum number of options.
func (c *Creator) AddOption() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if len(c.form.Options) >= types.MaxPollOptions {
		return false
	}
	c.form.Options = append(c.form.Options, "")
	return true
}

// RemoveOption removes option i. It does nothing and returns false when the
// form has the minimum number of options or i is out of range.
func (c *Creator) RemoveOption(i int) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if len(c.form.Options) <= types.MinPollOptions || i < 0 || i >= len(c.form.Options) {
		return false
	}
	c.form.Options = slices.Delete(c.form.Options, i, i+1)
	return true
}

// Reset restores the default form.
func (c *Creator) Reset() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.form = c.defaultForm()
}

// State returns the running operation.
func (c *Creator) State() types.OperationState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Feedback returns the outcome of the last Create.
func (c *Creator) Feedback() Feedback {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.feedback
}

// Create validates the form and creates the poll. On success the form is
// reset and onCreated is called. The new poll id is not known here; it is
// the last id once the poll list is refreshed.
func (c *Creator) Create(ctx context.Context) error {
	_, err := c.submit(ctx, nil)
	return err
}

// CreateForm replaces the form with f and creates the poll under the same
// busy guard, so concurrent callers never submit each other's form. When
// another creation is running the form is left untouched and ErrBusy is
// returned. The feedback of this creation is returned along with its error.
func (c *Creator) CreateForm(ctx context.Context, f CreatorForm) (Feedback, error) {
	return c.submit(ctx, &f)
}

func (c *Creator) submit(ctx context.Context, f *CreatorForm) (Feedback, error) {
	c.mtx.Lock()
	if c.state.Busy() {
		c.mtx.Unlock()
		return Feedback{}, ErrBusy
	}
	if f != nil {
		c.form = *f
		c.form.Options = slices.Clone(f.Options)
	}
	c.state = types.OperationCreating
	c.feedback = Feedback{}
	form := c.form
	form.Options = slices.Clone(c.form.Options)
	deps := c.deps
	c.mtx.Unlock()

	err := c.create(ctx, deps, form)

	c.mtx.Lock()
	c.state = types.OperationIdle
	feedback := feedbackFor("Poll created successfully.", err)
	c.feedback = feedback
	if err == nil {
		c.form = c.defaultForm()
	}
	onCreated := c.onCreated
	c.mtx.Unlock()

	if err == nil && onCreated != nil {
		onCreated(ctx)
	}
	return feedback, err
}

func (c *Creator) create(ctx context.Context, deps *Deps, form CreatorForm) error {
	contract := deps.Contract
	if contract == nil || contract.Address() == (common.Address{}) {
		return invalid("Set a valid contract address before creating a poll.")
	}
	if !deps.walletConnected() {
		return invalid("Connect your wallet to create a poll.")
	}
	name := strings.TrimSpace(form.Name)
	if name == "" {
		return invalid("Poll name is required.")
	}
	if len(form.Options) < types.MinPollOptions || len(form.Options) > types.MaxPollOptions {
		return invalid(fmt.Sprintf("Provide between %d and %d options.", types.MinPollOptions, types.MaxPollOptions))
	}
	options := make([]string, len(form.Options))
	for i, o := range form.Options {
		if options[i] = strings.TrimSpace(o); options[i] == "" {
			return invalid("Every option needs a label.")
		}
	}
	start, errStart := ParseTime(form.StartTime, time.Local)
	end, errEnd := ParseTime(form.EndTime, time.Local)
	if errStart != nil || errEnd != nil {
		return invalid("Start and end time are required.")
	}
	if end <= start {
		return invalid("End time must be after the start time.")
	}

	opts, err := deps.transactOpts(ctx)
	if err != nil {
		return err
	}
	if err := deps.send(ctx, contract, opts, storage.TxOpCreatePoll, nil, func(opts *bind.TransactOpts) (common.Hash, error) {
		return contract.CreatePoll(opts, name, options, start, end)
	}); err != nil {
		return remoteError(storage.TxOpCreatePoll, "Failed to create poll.", err)
	}
	log.Infow("poll created", "name", name, "options", len(options), "start", start, "end", end)
	return nil
}

// ParseTime parses a form time: unix seconds, RFC3339, or
// DateTimeLocalLayout interpreted in loc.
func ParseTime(s string, loc *time.Location) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	if secs, err := strconv.ParseUint(s, 10, 64); err == nil {
		return secs, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if t, err = time.ParseInLocation(DateTimeLocalLayout, s, loc); err != nil {
			return 0, fmt.Errorf("invalid time %q", s)
		}
	}
	if t.Unix() < 0 {
		return 0, fmt.Errorf("time %q before unix epoch", s)
	}
	return uint64(t.Unix()), nil
}
