package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvalEmptyExpressionIsAlwaysActive(t *testing.T) {
	assert.True(t, Eval("", Env{}, time.Second))
}

func TestEvalMembership(t *testing.T) {
	env := Env{Tags: []string{"urgent", "backend"}}
	assert.True(t, Eval(`"urgent" in tags`, env, time.Second))
	assert.False(t, Eval(`"frontend" in tags`, env, time.Second))
}

func TestEvalMetadataComparison(t *testing.T) {
	env := Env{Metadata: map[string]string{"retryCount": "2"}}
	assert.True(t, Eval(`metadata.retryCount == "2"`, env, time.Second))
	assert.False(t, Eval(`metadata.retryCount == "3"`, env, time.Second))
}

func TestEvalBooleanConnectives(t *testing.T) {
	env := Env{Tags: []string{"urgent"}}
	assert.True(t, Eval(`"urgent" in tags and not ("frontend" in tags)`, env, time.Second))
	assert.True(t, Eval(`"frontend" in tags or "urgent" in tags`, env, time.Second))
	assert.False(t, Eval(`"frontend" in tags and "urgent" in tags`, env, time.Second))
}

func TestEvalNumericOrdering(t *testing.T) {
	env := Env{Metadata: map[string]string{}}
	assert.True(t, Eval(`3 > 2`, env, time.Second))
	assert.False(t, Eval(`3 < 2`, env, time.Second))
	assert.True(t, Eval(`2 <= 2`, env, time.Second))
}

func TestEvalMalformedExpressionIsFalse(t *testing.T) {
	assert.False(t, Eval(`tags in in in`, Env{}, time.Second))
	assert.False(t, Eval(`(unclosed`, Env{}, time.Second))
	assert.False(t, Eval(`unknownIdent == "x"`, Env{}, time.Second))
}

func TestEvalNonBooleanResultIsFalse(t *testing.T) {
	assert.False(t, Eval(`metadata.retryCount`, Env{Metadata: map[string]string{"retryCount": "2"}}, time.Second))
}

func TestEvalRespectsTimeout(t *testing.T) {
	// No loops or host calls exist in this grammar, so there is no way to
	// construct an expression that actually hangs; this instead asserts
	// that a zero timeout still falls back to the default bound rather
	// than evaluating synchronously forever.
	start := time.Now()
	Eval(`1 == 1`, Env{}, 0)
	assert.Less(t, time.Since(start), time.Second)
}
