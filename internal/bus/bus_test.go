package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubBusDeliversToSubscribers(t *testing.T) {
	b := NewStubBus()
	ctx := context.Background()

	var got []FillEvent
	err := b.Subscribe(ctx, SubjectFills, "decide-fills", func(_ context.Context, data []byte) error {
		var f FillEvent
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)

	fill := FillEvent{FillID: "f1", Address: "0xabc", Asset: "BTC", Side: "buy", Size: 0.5, Price: 50000, TS: time.Now().UTC(), DedupHash: "h1"}
	require.NoError(t, b.Publish(ctx, SubjectFills, fill))

	require.Len(t, got, 1)
	assert.Equal(t, "f1", got[0].FillID)
	assert.Equal(t, 0.5, got[0].SignedSize())
	assert.Len(t, b.Published(SubjectFills), 1)
}

func TestStubBusRedeliversOnce(t *testing.T) {
	b := NewStubBus()
	ctx := context.Background()

	attempts := 0
	require.NoError(t, b.Subscribe(ctx, SubjectOutcomes, "sage-outcomes", func(context.Context, []byte) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}))

	require.NoError(t, b.Publish(ctx, SubjectOutcomes, OutcomeEvent{EpisodeID: 1, Address: "0xabc"}))
	assert.Equal(t, 2, attempts)
}

func TestStubBusClosed(t *testing.T) {
	b := NewStubBus()
	ctx := context.Background()
	require.NoError(t, b.Close(ctx))
	assert.ErrorIs(t, b.Publish(ctx, SubjectFills, FillEvent{}), ErrClosed)
	assert.ErrorIs(t, b.Subscribe(ctx, SubjectFills, "d", nil), ErrClosed)
}

func TestFillEventResultingPosition(t *testing.T) {
	buy := FillEvent{Side: "buy", Size: 2, StartPosition: -1}
	assert.Equal(t, 1.0, buy.ResultingPosition())

	sell := FillEvent{Side: "sell", Size: 3, StartPosition: 1}
	assert.Equal(t, -2.0, sell.ResultingPosition())
}

func TestUnknownFieldsIgnored(t *testing.T) {
	raw := []byte(`{"address":"0xabc","weight":0.3,"sampled_mu":0.12,"selected":true,"future_field":42}`)
	var ev ScoreEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, "0xabc", ev.Address)
	assert.True(t, ev.Selected)
}
