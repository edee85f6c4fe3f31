package orchestrator

import (
	"errors"
	"fmt"

	"github.com/vocdoni/securevote/web3"
)

var (
	// ErrSignerUnavailable is returned when a write is requested and the
	// wallet cannot provide a signer.
	ErrSignerUnavailable = errors.New("wallet signer not available")
	// ErrBusy is returned when an operation is started while another one
	// is still running on the same poll or form.
	ErrBusy = errors.New("another operation is in progress")
)

const signerUnavailableMessage = "Wallet signer not available."

// ValidationError is a local precondition failure. It is returned before
// any collaborator is contacted.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// RemoteCallError wraps a failure reported by the contract, the node or the
// encryption service. Message is what the user is shown.
type RemoteCallError struct {
	Op      string
	Message string
	Err     error
}

func (e *RemoteCallError) Error() string {
	return e.Message
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// remoteError builds a RemoteCallError for op. The message is the revert
// reason when the cause carries one, the cause message otherwise, and
// fallback when the cause has no message.
func remoteError(op, fallback string, err error) error {
	msg := web3.RevertReason(err)
	if msg == "" && err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = fallback
	}
	return &RemoteCallError{Op: op, Message: msg, Err: err}
}

// NewRemoteCallError is remoteError for callers outside the package, such
// as the shell loading the poll list.
func NewRemoteCallError(op, fallback string, err error) error {
	return remoteError(op, fallback, err)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsRemote reports whether err is a RemoteCallError.
func IsRemote(err error) bool {
	var rerr *RemoteCallError
	return errors.As(err, &rerr)
}

// UserMessage returns the message to show for an operation error.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	var rerr *RemoteCallError
	if errors.As(err, &rerr) {
		return rerr.Message
	}
	if errors.Is(err, ErrSignerUnavailable) {
		return signerUnavailableMessage
	}
	return fmt.Sprint(err)
}
