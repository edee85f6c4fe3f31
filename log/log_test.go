package log_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/securevote/log"
)

func TestStructuredFields(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	restore := log.SetTestOutput(&buf, log.LogLevelDebug)
	defer restore()

	log.Infow("vote submitted", "pollId", 7, "tx", "0xabc")

	var line map[string]any
	c.Assert(json.Unmarshal(buf.Bytes(), &line), qt.IsNil)
	c.Assert(line["message"], qt.Equals, "vote submitted")
	c.Assert(line["pollId"], qt.Equals, float64(7))
	c.Assert(line["tx"], qt.Equals, "0xabc")
	c.Assert(line["level"], qt.Equals, "info")
}

func TestLevelFiltering(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	restore := log.SetTestOutput(&buf, log.LogLevelWarn)
	defer restore()

	log.Debugw("hidden")
	log.Infow("hidden too")
	c.Assert(buf.Len(), qt.Equals, 0)

	log.Errorw(errors.New("boom"), "poll refresh failed")
	c.Assert(strings.Contains(buf.String(), "boom"), qt.IsTrue)
	c.Assert(log.Level(), qt.Equals, log.LogLevelWarn)
}

func TestValidLevel(t *testing.T) {
	c := qt.New(t)
	for _, l := range []string{"debug", "info", "warn", "error"} {
		c.Assert(log.ValidLevel(l), qt.IsTrue, qt.Commentf("level %s", l))
	}
	c.Assert(log.ValidLevel("trace"), qt.IsFalse)
	c.Assert(log.ValidLevel(""), qt.IsFalse)
}
