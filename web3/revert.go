package web3

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/vocdoni/securevote/web3/rpc"
)

const revertPrefix = "execution reverted"

// RevertReason extracts a human readable revert reason from an RPC error.
// It decodes Error(string) and Panic(uint256) payloads carried as error data
// and falls back to the "execution reverted: <reason>" message that most
// nodes return. It returns an empty string when no reason is present.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	if rpcErr := rpc.ParseError(err); rpcErr != nil && len(rpcErr.Data) >= 4 {
		if reason, uerr := abi.UnpackRevert(rpcErr.Data); uerr == nil && reason != "" {
			return reason
		}
	}
	msg := err.Error()
	idx := strings.Index(strings.ToLower(msg), revertPrefix)
	if idx == -1 {
		return ""
	}
	rest := msg[idx+len(revertPrefix):]
	// drop the trailing "(code: ..., data: ...)" annotation added by the
	// RPC client
	if cut := strings.Index(rest, " (code:"); cut != -1 {
		rest = rest[:cut]
	}
	rest = strings.TrimPrefix(strings.TrimSpace(rest), ":")
	return strings.TrimSpace(rest)
}

// IsRevert reports whether err is a contract revert, either at estimation
// time or from a mined transaction.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTxFailed) || strings.Contains(strings.ToLower(err.Error()), revertPrefix)
}
