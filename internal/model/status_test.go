package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionIsMonotonic(t *testing.T) {
	assert.True(t, CanTransition(MintPending, MintApproved))
	assert.True(t, CanTransition(MintPending, MintRejected))
	assert.True(t, CanTransition(MintApproved, MintMinted))

	assert.False(t, CanTransition(MintPending, MintMinted), "minting needs an approval first")
	assert.False(t, CanTransition(MintMinted, MintPending))
	assert.False(t, CanTransition(MintMinted, MintApproved))
	assert.False(t, CanTransition(MintRejected, MintApproved))
	assert.False(t, CanTransition(MintApproved, MintPending))
	assert.False(t, CanTransition(MintApproved, MintRejected))
	assert.False(t, CanTransition(MintPending, MintPending))
}

func TestMergeStatusKeepsTerminalLocalState(t *testing.T) {
	assert.Equal(t, MintMinted, MergeStatus(MintMinted, MintPending))
	assert.Equal(t, MintRejected, MergeStatus(MintRejected, MintApproved))
	assert.Equal(t, MintApproved, MergeStatus(MintPending, MintApproved))
	assert.Equal(t, MintMinted, MergeStatus(MintPending, MintMinted))
	assert.Equal(t, MintRejected, MergeStatus(MintRejected, MintMinted))
}

func TestPathRoutesPendingThroughApproval(t *testing.T) {
	assert.Equal(t, []MintStatus{MintApproved, MintMinted}, Path(MintPending, MintMinted))
	assert.Equal(t, []MintStatus{MintMinted}, Path(MintApproved, MintMinted))
	assert.Equal(t, []MintStatus{MintRejected}, Path(MintPending, MintRejected))
	assert.Nil(t, Path(MintRejected, MintMinted))
	assert.Nil(t, Path(MintMinted, MintMinted))
	assert.Nil(t, Path(MintApproved, MintRejected))
}

func TestParseMintStatus(t *testing.T) {
	s, err := ParseMintStatus("")
	require.NoError(t, err)
	assert.Equal(t, MintPending, s)

	s, err = ParseMintStatus("Completed")
	require.NoError(t, err)
	assert.Equal(t, MintMinted, s)

	_, err = ParseMintStatus("exploded")
	assert.Error(t, err)
}
