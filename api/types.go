package api

import (
	"github.com/vocdoni/securevote/orchestrator"
	"github.com/vocdoni/securevote/storage"
)

// Info is the response of the info endpoint.
type Info struct {
	Contract      string `json:"contract"`
	ContractValid bool   `json:"contractValid"`
	Wallet        string `json:"wallet,omitempty"`
	RelayerReady  bool   `json:"relayerReady"`
	PollCount     int    `json:"pollCount"`
}

// ContractAddress is the body of PUT /contract and the response of both
// contract endpoints.
type ContractAddress struct {
	Address string `json:"address"`
	Valid   bool   `json:"valid"`
}

// PollList is the response of GET /polls.
type PollList struct {
	Polls []*orchestrator.SessionView `json:"polls"`
}

// VoteRequest is the body of the vote endpoint.
type VoteRequest struct {
	Option *int `json:"option"`
}

// OperationResponse is returned by every poll operation. Poll is the view
// after the operation.
type OperationResponse struct {
	Feedback orchestrator.Feedback     `json:"feedback"`
	Poll     *orchestrator.SessionView `json:"poll,omitempty"`
}

// TransactionList is the response of the transactions endpoint.
type TransactionList struct {
	Transactions []*storage.TxRecord `json:"transactions"`
}
