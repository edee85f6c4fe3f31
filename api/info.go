package api

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// info returns the status of the wallet, the contract and the encryption
// service.
// GET /info
func (a *API) info(w http.ResponseWriter, r *http.Request) {
	address, valid := a.shell.ContractAddress()
	response := &Info{
		Contract:      address,
		ContractValid: valid,
		RelayerReady:  a.shell.RelayerReady(),
		PollCount:     len(a.shell.PollIDs()),
	}
	if wallet := a.shell.WalletAddress(); wallet != (common.Address{}) {
		response.Wallet = wallet.Hex()
	}
	httpWriteJSON(w, response)
}

// contract returns the contract address input and whether it is valid.
// GET /contract
func (a *API) contract(w http.ResponseWriter, r *http.Request) {
	address, valid := a.shell.ContractAddress()
	httpWriteJSON(w, &ContractAddress{Address: address, Valid: valid})
}

// setContract sets the contract address and loads its polls. Every local
// tally is discarded.
// PUT /contract
func (a *API) setContract(w http.ResponseWriter, r *http.Request) {
	req := &ContractAddress{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	if err := a.shell.SetContractAddress(req.Address); err != nil {
		ErrMalformedAddress.Withf("%q", req.Address).Write(w)
		return
	}
	if err := a.shell.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	address, valid := a.shell.ContractAddress()
	httpWriteJSON(w, &ContractAddress{Address: address, Valid: valid})
}
