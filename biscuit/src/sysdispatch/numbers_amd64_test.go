package sysdispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSigreturn64MatchesRtSigreturn(t *testing.T) {
	require.Equal(t, 15, Sigreturn64)
	require.NotNil(t, NewTable64())
}
