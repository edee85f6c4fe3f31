//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the user's fault,
// and they return HTTP Status 400, 404 or 409, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500, 502 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the current last 4XXX or 5XXX
// If you notice there's a gap (say, error code 40010, 40011 and 40013 exist, 40012 is missing) DON'T fill in the gap,
// that code was used in the past for some error (not anymore) and shouldn't be reused.
// There's no correlation between Code and HTTP Status.
var (
	ErrResourceNotFound    = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody       = Error{Code: 40004, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrMalformedParam      = Error{Code: 40015, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed parameter")}
	ErrMalformedAddress    = Error{Code: 40017, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed address")}
	ErrContractNotSet      = Error{Code: 40023, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("contract address not set")}
	ErrMalformedPollID     = Error{Code: 40024, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed poll ID")}
	ErrPollNotFound        = Error{Code: 40025, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("poll not found")}
	ErrPreconditionFailed  = Error{Code: 40026, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("precondition failed")}
	ErrOperationInProgress = Error{Code: 40027, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("another operation is in progress")}
	ErrSignerUnavailable   = Error{Code: 40028, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("wallet signer not available")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrRemoteCallFailed           = Error{Code: 50003, HTTPstatus: http.StatusBadGateway, Err: fmt.Errorf("remote call failed")}
	ErrJournalUnavailable         = Error{Code: 50004, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("transaction journal not available")}
)
