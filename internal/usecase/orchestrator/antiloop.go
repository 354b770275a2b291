package orchestrator

import (
	"github.com/tidwall/pretty"

	"agentdispatch/internal/domain"
)

// loopDetector counts consecutive tool calls with the same name and
// materially identical arguments. Argument objects are compared after key
// sorting and whitespace removal, so {"a":1, "b":2} equals {"b":2,"a":1}.
type loopDetector struct {
	threshold int
	last      string
	repeats   int
}

func newLoopDetector(threshold int) *loopDetector {
	if threshold <= 0 {
		threshold = 3
	}
	return &loopDetector{threshold: threshold}
}

// observe records calls in order and reports the first call that makes the
// run exceed the threshold.
func (d *loopDetector) observe(calls []domain.ToolCall) (domain.ToolCall, bool) {
	for _, c := range calls {
		fp := fingerprint(c)
		if fp == d.last {
			d.repeats++
		} else {
			d.last, d.repeats = fp, 1
		}
		if d.repeats > d.threshold {
			return c, true
		}
	}
	return domain.ToolCall{}, false
}

func fingerprint(c domain.ToolCall) string {
	args := c.Arguments
	if len(args) == 0 {
		args = []byte("{}")
	}
	return c.Name + "\x00" + string(pretty.Ugly(pretty.PrettyOptions(args, &pretty.Options{SortKeys: true})))
}
