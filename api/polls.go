package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/vocdoni/securevote/orchestrator"
)

func refreshRequested(r *http.Request) bool {
	v := r.URL.Query().Get(RefreshParam)
	return v == "true" || v == "1"
}

// polls returns the polls of the contract, newest first.
// GET /polls?refresh=true
func (a *API) polls(w http.ResponseWriter, r *http.Request) {
	if refreshRequested(r) || len(a.shell.PollIDs()) == 0 {
		if err := a.shell.Refresh(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}
	httpWriteJSON(w, &PollList{Polls: a.shell.Polls()})
}

// poll returns the view of a poll.
// GET /polls/{pollId}?refresh=true
func (a *API) poll(w http.ResponseWriter, r *http.Request) {
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	if refreshRequested(r) {
		if err := session.Refresh(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}
	httpWriteJSON(w, session.View())
}

// creatorForm returns the current poll creation form.
// GET /polls/form
func (a *API) creatorForm(w http.ResponseWriter, r *http.Request) {
	httpWriteJSON(w, a.shell.Creator().Form())
}

// createPoll validates the form in the body and creates the poll.
// POST /polls
func (a *API) createPoll(w http.ResponseWriter, r *http.Request) {
	form := orchestrator.CreatorForm{}
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	feedback, err := a.shell.Creator().CreateForm(r.Context(), form)
	if err != nil {
		writeError(w, err)
		return
	}
	httpWriteJSON(w, &OperationResponse{Feedback: feedback})
}

// session resolves the poll of the request, writing the error response if
// it cannot.
func (a *API) session(w http.ResponseWriter, r *http.Request) (*orchestrator.Session, bool) {
	pollID, err := pollIDParam(r)
	if err != nil {
		ErrMalformedPollID.WithErr(err).Write(w)
		return nil, false
	}
	session, err := a.shell.Session(pollID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return session, true
}

// vote submits the option in the body for the configured wallet.
// POST /polls/{pollId}/vote
func (a *API) vote(w http.ResponseWriter, r *http.Request) {
	req := &VoteRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	if req.Option == nil {
		ErrMalformedBody.With("missing option").Write(w)
		return
	}
	option := *req.Option
	a.pollOperation(func(ctx context.Context, s *orchestrator.Session) error {
		return s.SubmitVote(ctx, option)
	})(w, r)
}

func endPoll(ctx context.Context, s *orchestrator.Session) error {
	return s.EndPoll(ctx)
}

func decryptResults(ctx context.Context, s *orchestrator.Session) error {
	_, err := s.DecryptResults(ctx)
	return err
}

func publishResults(ctx context.Context, s *orchestrator.Session) error {
	return s.PublishResults(ctx)
}

// pollOperation runs op on the poll of the request and returns the
// feedback together with the updated view.
func (a *API) pollOperation(op func(context.Context, *orchestrator.Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := a.session(w, r)
		if !ok {
			return
		}
		if err := op(r.Context(), session); err != nil {
			writeError(w, err)
			return
		}
		view := session.View()
		httpWriteJSON(w, &OperationResponse{Feedback: view.Feedback, Poll: view})
	}
}
