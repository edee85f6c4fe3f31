package api

import (
	"fmt"
	"net/url"
	"strings"
)

// Route constants for the API endpoints

const (
	// Health endpoints
	PingEndpoint = "/ping" // Health check endpoint

	// Info endpoint
	InfoEndpoint = "/info" // GET: wallet, contract and encryption service status

	// Contract endpoint
	ContractEndpoint = "/contract" // GET: current contract address, PUT: set the contract address

	// Poll endpoints
	PollURLParam     = "pollId"                                // URL parameter for poll ID
	RefreshParam     = "refresh"                               // URL query param to reload from the chain first
	PollsEndpoint    = "/polls"                                // GET: List polls newest first, POST: Create poll
	PollEndpoint     = "/polls/{" + PollURLParam + "}"         // GET: Get poll view
	VoteEndpoint     = PollEndpoint + "/vote"                  // POST: Submit an encrypted vote
	EndPollEndpoint  = PollEndpoint + "/end"                   // POST: End the poll
	DecryptEndpoint  = PollEndpoint + "/decrypt"               // POST: Publicly decrypt the tally
	PublishEndpoint  = PollEndpoint + "/publish"               // POST: Publish the decrypted tally
	CreatorEndpoint  = PollsEndpoint + "/form"                 // GET: Default creation form

	// Transactions endpoint
	TransactionsEndpoint = "/transactions" // GET: Journal of sent transactions
	StatusQueryParam     = "status"        // URL query param to filter by status
	LimitQueryParam      = "limit"         // URL query param to cap the results
)

// EndpointWithParam creates an endpoint URL by replacing the parameter
// placeholder with the actual value. Used to build fully qualified
// endpoint URLs.
func EndpointWithParam(path, key, param string) string {
	rawKey := fmt.Sprintf("{%s}", key)

	// Always try to replace the placeholder, even if it's after the '?'
	if strings.Contains(path, rawKey) {
		return strings.Replace(path, rawKey, url.PathEscape(param), 1)
	}

	// Fallback: add as query param
	escapedKey := url.QueryEscape(key)
	escapedVal := url.QueryEscape(param)

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return fmt.Sprintf("%s%s%s=%s", path, sep, escapedKey, escapedVal)
}
