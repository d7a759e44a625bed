package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStates = []State{StateSending, StateSent, StateDelivered, StateRead, StateFailed}

func TestIsValidTransitionOnlyForwardEdges(t *testing.T) {
	legal := map[[2]State]bool{
		{StateSending, StateSent}:   true,
		{StateSending, StateFailed}: true,
		{StateSent, StateDelivered}: true,
		{StateDelivered, StateRead}: true,
	}
	for _, cur := range allStates {
		for _, next := range allStates {
			want := legal[[2]State{cur, next}]
			assert.Equal(t, want, IsValidTransition(cur, next), "%s -> %s", cur, next)
		}
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Apply, Classify(StateSent, StateDelivered))
	assert.Equal(t, Ignore, Classify(StateDelivered, StateDelivered))
	assert.Equal(t, Ignore, Classify(StateRead, StateDelivered))
	assert.Equal(t, Invalid, Classify(StateSent, StateRead))
	assert.Equal(t, Invalid, Classify(StateSending, StateDelivered))
	assert.Equal(t, Invalid, Classify(StateFailed, StateSent))
	assert.Equal(t, Invalid, Classify(State("bogus"), StateRead))
}

func TestIsReceived(t *testing.T) {
	assert.False(t, IsReceived(StateSending))
	assert.False(t, IsReceived(StateSent))
	assert.True(t, IsReceived(StateDelivered))
	assert.True(t, IsReceived(StateRead))
	assert.False(t, IsReceived(StateFailed))
}

func TestStatesBefore(t *testing.T) {
	assert.Equal(t, []State{StateSending, StateSent}, StatesBefore(StateDelivered))
	assert.Empty(t, StatesBefore(StateSending))
	assert.Nil(t, StatesBefore(StateFailed))
}
