package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLayering(t *testing.T) {
	t.Setenv("TERMSUP_ENV_TEST", "from-os")
	e := New(true).WithSet("TERMSUP_ENV_TEST", "global").WithSet("G", "g")

	out := e.Merge([]string{"G=call", "=skipped", "noequals"})
	assert.Contains(t, out, "TERMSUP_ENV_TEST=global")
	assert.Contains(t, out, "G=call")
	for _, kv := range out {
		assert.NotEqual(t, "=skipped", kv)
		assert.NotEqual(t, "noequals", kv)
	}
}

func TestMergeWithoutOS(t *testing.T) {
	t.Setenv("TERMSUP_ENV_TEST", "from-os")
	out := New(false).WithSet("A", "1").Merge(nil)
	assert.Equal(t, []string{"A=1"}, out)
}

func TestMergeExpands(t *testing.T) {
	e := New(false).WithSet("HOME_DIR", "/srv").WithSet("DATA", "${HOME_DIR}/data")
	out := e.Merge([]string{"LOG=${DATA}/log", "KEEP=${MISSING}"})
	assert.Equal(t, []string{
		"DATA=/srv/data",
		"HOME_DIR=/srv",
		"KEEP=${MISSING}",
		"LOG=${HOME_DIR}/data/log",
	}, out)
}

func TestWithSetDoesNotMutate(t *testing.T) {
	base := New(false).WithSet("A", "1")
	_ = base.WithSet("B", "2")
	assert.Equal(t, []string{"A=1"}, base.Merge(nil))
}

func TestWithPairs(t *testing.T) {
	e, err := New(false).WithPairs([]string{"A=1", "B=x=y"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=x=y"}, e.Merge(nil))

	_, err = New(false).WithPairs([]string{"bad"})
	assert.Error(t, err)
}
