package api

import (
	"net/http"
	"strconv"

	"github.com/vocdoni/securevote/storage"
)

// transactions returns the journal of sent transactions, newest first.
// GET /transactions?pollId=<id>&status=<pending|confirmed|failed>&limit=<n>
func (a *API) transactions(w http.ResponseWriter, r *http.Request) {
	if a.storage == nil {
		ErrJournalUnavailable.Write(w)
		return
	}
	filter := storage.TxFilter{}
	query := r.URL.Query()
	if v := query.Get(PollURLParam); v != "" {
		pollID, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			ErrMalformedParam.Withf("%s: %v", PollURLParam, err).Write(w)
			return
		}
		filter.PollID = &pollID
	}
	if v := query.Get(StatusQueryParam); v != "" {
		status, err := storage.ParseTxStatus(v)
		if err != nil {
			ErrMalformedParam.WithErr(err).Write(w)
			return
		}
		filter.Status = &status
	}
	if v := query.Get(LimitQueryParam); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			ErrMalformedParam.Withf("%s: %q", LimitQueryParam, v).Write(w)
			return
		}
		filter.Limit = limit
	}
	txs, err := a.storage.ListTxs(filter)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	if txs == nil {
		txs = []*storage.TxRecord{}
	}
	httpWriteJSON(w, &TransactionList{Transactions: txs})
}
