package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func chainFill(side string, size, startPos float64) FillRow {
	return FillRow{Side: side, Size: size, StartPosition: startPos}
}

func TestWalkChainIntact(t *testing.T) {
	fills := []FillRow{
		chainFill("buy", 1.0, 0),
		chainFill("buy", 0.5, 1.0),
		chainFill("sell", 1.5, 1.5),
		chainFill("sell", 2.0, 0), // flip to short
		chainFill("buy", 2.0, -2.0),
	}
	_, ok := walkChain(fills)
	assert.True(t, ok)
}

func TestWalkChainDetectsGap(t *testing.T) {
	fills := []FillRow{
		chainFill("buy", 1.0, 0),
		chainFill("buy", 0.5, 1.0),
		// Missing fill: position jumps from 1.5 to 3.0.
		chainFill("sell", 1.0, 3.0),
	}
	idx, ok := walkChain(fills)
	assert.False(t, ok)
	assert.Equal(t, 2, idx)
}

func TestWalkChainToleratesFloatDrift(t *testing.T) {
	fills := []FillRow{
		chainFill("buy", 0.1, 0),
		chainFill("buy", 0.2, 0.1),
		chainFill("sell", 0.3, 0.30000000000000004),
	}
	_, ok := walkChain(fills)
	assert.True(t, ok)
}

func TestWalkChainTrivialCases(t *testing.T) {
	_, ok := walkChain(nil)
	assert.True(t, ok)
	_, ok = walkChain([]FillRow{chainFill("buy", 1, 5)})
	assert.True(t, ok, "a single fill has no pair to contradict")
}
