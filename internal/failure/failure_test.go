package failure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstConsumingHandlerStopsChain(t *testing.T) {
	r := New()
	exitCode := -1
	r.exitFunc = func(code int) { exitCode = code }

	var secondCalled bool
	r.Register(func(Rejection) bool { return true })
	r.Register(func(Rejection) bool { secondCalled = true; return true })

	r.Report(Rejection{Source: "test", Err: errors.New("boom")})
	require.False(t, secondCalled)
	require.Equal(t, -1, exitCode, "consumed rejection must not exit the process")
}

func TestUnclaimedRejectionExitsWithCodeOne(t *testing.T) {
	r := New()
	exitCode := -1
	r.exitFunc = func(code int) { exitCode = code }

	r.Register(func(Rejection) bool { return false })
	r.Report(Rejection{Source: "test", Err: errors.New("boom")})

	require.Equal(t, 1, exitCode)
}

func TestNoHandlersExitsWithCodeOne(t *testing.T) {
	r := New()
	exitCode := -1
	r.exitFunc = func(code int) { exitCode = code }

	r.Report(Rejection{Source: "test", Err: errors.New("boom")})
	require.Equal(t, 1, exitCode)
}
