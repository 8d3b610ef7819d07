package scheduler

import (
	"regexp"
	"strconv"
	"strings"
)

// ErrorClass is the §4.3 dispatch-failure taxonomy.
type ErrorClass string

const (
	ClassPermanent     ErrorClass = "permanent"
	ClassRateLimited   ErrorClass = "rate_limited"
	ClassPlatformLimit ErrorClass = "platform_limit"
	ClassTransient     ErrorClass = "transient"
)

var permanentSubstrings = []string{
	"agent not found", "permission denied", "forbidden", "unauthorized",
	"no such agent", "agent deregistered",
}

var rateLimitedSubstrings = []string{
	"rate limit", "429", "too many requests", "throttled", "quota exceeded",
}

var platformLimitPattern = regexp.MustCompile(`max active children \((\d+)/(\d+)\)`)

// Classify inspects a dispatch error message (and any explicit platformLimit
// hint the executor returned) and assigns it to one of the four classes.
func Classify(message string, platformLimitHint int) (ErrorClass, int) {
	lower := strings.ToLower(message)
	if platformLimitHint > 0 {
		return ClassPlatformLimit, platformLimitHint
	}
	if match := platformLimitPattern.FindStringSubmatch(lower); match != nil {
		if n, err := strconv.Atoi(match[2]); err == nil {
			return ClassPlatformLimit, n
		}
	}
	for _, s := range permanentSubstrings {
		if strings.Contains(lower, s) {
			return ClassPermanent, 0
		}
	}
	for _, s := range rateLimitedSubstrings {
		if strings.Contains(lower, s) {
			return ClassRateLimited, 0
		}
	}
	return ClassTransient, 0
}
