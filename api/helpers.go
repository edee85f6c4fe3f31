package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/orchestrator"
	"github.com/vocdoni/securevote/shell"
)

// httpWriteJSON writes data as a JSON response with status 200.
func httpWriteJSON(w http.ResponseWriter, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		ErrMarshalingServerJSONFailed.WithErr(err).Write(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(body, '\n')); err != nil {
		log.Warnw("failed to write http response", "error", err.Error())
	}
}

// httpWriteOK writes an empty 200 response.
func httpWriteOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("\n")); err != nil {
		log.Warnw("failed to write http response", "error", err.Error())
	}
}

// pollIDParam parses the poll id URL parameter.
func pollIDParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, PollURLParam), 10, 64)
}

// writeError maps the errors of the shell and the orchestrators to API
// errors. The message of validation and remote errors is the one shown to
// the user.
func writeError(w http.ResponseWriter, err error) {
	var verr *orchestrator.ValidationError
	var rerr *orchestrator.RemoteCallError
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		ErrOperationInProgress.Write(w)
	case errors.Is(err, orchestrator.ErrSignerUnavailable):
		ErrSignerUnavailable.Write(w)
	case errors.Is(err, shell.ErrNoContract):
		ErrContractNotSet.Write(w)
	case errors.Is(err, shell.ErrPollNotFound):
		ErrPollNotFound.WithErr(err).Write(w)
	case errors.As(err, &verr):
		ErrPreconditionFailed.With(verr.Message).Write(w)
	case errors.As(err, &rerr):
		ErrRemoteCallFailed.With(rerr.Message).Write(w)
	default:
		ErrGenericInternalServerError.WithErr(err).Write(w)
	}
}
