package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEscalationState_DefaultsToChainStart(t *testing.T) {
	chain := &EscalationChain{Models: []ModelName{ModelSonnet, ModelOpus}, MaxAttempts: 2}

	s := NewEscalationState(chain, "")
	assert.Equal(t, ModelSonnet, s.CurrentModel)

	s = NewEscalationState(chain, ModelOpus)
	assert.Equal(t, ModelOpus, s.CurrentModel)
}

func TestEscalationState_RecordFailure_EscalatesAfterMaxAttempts(t *testing.T) {
	chain := &EscalationChain{Models: []ModelName{ModelSonnet, ModelOpus}, MaxAttempts: 2}
	s := NewEscalationState(chain, ModelSonnet)

	require.True(t, s.RecordFailure(errors.New("fail 1")))
	assert.Equal(t, ModelSonnet, s.CurrentModel, "should stay at first tier until MaxAttempts is reached")

	require.True(t, s.RecordFailure(errors.New("fail 2")))
	assert.Equal(t, ModelOpus, s.CurrentModel, "second failure at MaxAttempts=2 should escalate")
}

func TestEscalationState_Exhausted_SingleModelChain(t *testing.T) {
	chain := &EscalationChain{Models: []ModelName{ModelSonnet}, MaxAttempts: 1}
	s := NewEscalationState(chain, ModelSonnet)

	assert.False(t, s.Exhausted())
	ok := s.RecordFailure(errors.New("fail"))
	assert.False(t, ok, "single-tier chain has nowhere left to escalate")
	assert.True(t, s.Exhausted())
}

func TestEscalationState_Exhausted_AfterLastTierAttemptsSpent(t *testing.T) {
	chain := &EscalationChain{Models: []ModelName{ModelSonnet, ModelOpus}, MaxAttempts: 1}
	s := NewEscalationState(chain, ModelSonnet)

	require.True(t, s.RecordFailure(errors.New("fail 1")))
	assert.Equal(t, ModelOpus, s.CurrentModel)
	assert.False(t, s.Exhausted())

	ok := s.RecordFailure(errors.New("fail 2"))
	assert.False(t, ok)
	assert.True(t, s.Exhausted())
}

func TestEscalationState_NilChain(t *testing.T) {
	s := NewEscalationState(nil, ModelSonnet)
	assert.True(t, s.Exhausted())
	assert.False(t, s.RecordFailure(errors.New("fail")))
}
