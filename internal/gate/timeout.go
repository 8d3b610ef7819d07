package gate

import (
	"regexp"
	"strconv"
	"time"
)

// timeoutPattern matches exactly the format §4.5 allows: a positive integer
// (no leading zero beyond "0" itself, which is excluded by \d* after [1-9])
// followed by a single unit letter, minutes or hours. No fractions, no
// seconds, no days, no negative signs.
//
// time.ParseDuration is deliberately not used here: it happily accepts
// "1.5h", "90s", "-5m", and "0h", all of which this format must reject, and
// it accepts unit suffixes (ns, us, ms, s) the spec does not recognize for
// gate timeouts.
var timeoutPattern = regexp.MustCompile(`^([1-9]\d*)(m|h)$`)

// ParseTimeout parses a gate timeout string. An empty or malformed string
// disables the timeout (ok=false) without error, per §4.5 "Invalid formats
// disable the timeout without error."
func ParseTimeout(raw string) (d time.Duration, ok bool) {
	match := timeoutPattern.FindStringSubmatch(raw)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	switch match[2] {
	case "m":
		return time.Duration(n) * time.Minute, true
	case "h":
		return time.Duration(n) * time.Hour, true
	default:
		return 0, false
	}
}
