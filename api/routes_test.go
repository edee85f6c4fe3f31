package api

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestEndpointWithParam(t *testing.T) {
	c := qt.New(t)

	c.Assert(EndpointWithParam(VoteEndpoint, PollURLParam, "3"), qt.Equals, "/polls/3/vote")
	c.Assert(EndpointWithParam(PollEndpoint, PollURLParam, "a b"), qt.Equals, "/polls/a%20b")

	endpoint := EndpointWithParam(TransactionsEndpoint, PollURLParam, "1")
	endpoint = EndpointWithParam(endpoint, StatusQueryParam, "failed")
	c.Assert(endpoint, qt.Equals, "/transactions?pollId=1&status=failed")
}
