package sysdispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSigreturn32MatchesFixedNumber(t *testing.T) {
	require.Equal(t, 0x077, Sigreturn32)
	require.NotNil(t, NewTable32())
}
