package sti

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministic(t *testing.T) {
	require.Equal(t, FromNodeName("ue1"), FromNodeName("ue1"))
}

func TestDiffersByName(t *testing.T) {
	require.NotEqual(t, FromNodeName("ue1"), FromNodeName("ue2"))
}
