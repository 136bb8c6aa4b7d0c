package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	frags []Fragment
	err   error
}

func (s *recordingSink) Send(f Fragment) error {
	if s.err != nil {
		return s.err
	}
	s.frags = append(s.frags, f)
	return nil
}

func TestEmitterOrdersFragments(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(sink)

	require.NoError(t, e.Delta("Hello"))
	require.NoError(t, e.ToolProgress("calendar_block_slot", "running"))
	require.NoError(t, e.Delta(" world"))
	require.NoError(t, e.Done(map[string]any{"response": "Hello world"}))

	require.Len(t, sink.frags, 4)
	for i, f := range sink.frags {
		assert.Equal(t, i+1, f.Seq)
	}
	assert.Equal(t, FragmentDelta, sink.frags[0].Type)
	assert.Equal(t, FragmentTool, sink.frags[1].Type)
	assert.Equal(t, "calendar_block_slot", sink.frags[1].Tool)
	assert.Equal(t, FragmentDone, sink.frags[3].Type)
}

func TestEmitterNothingAfterTerminal(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(sink)

	require.NoError(t, e.Fail("something went wrong"))
	assert.True(t, e.Terminated())

	assert.ErrorIs(t, e.Delta("late"), ErrTerminated)
	assert.ErrorIs(t, e.ToolProgress("x", "running"), ErrTerminated)
	assert.ErrorIs(t, e.Done(nil), ErrTerminated)
	assert.ErrorIs(t, e.Fail("again"), ErrTerminated)

	require.Len(t, sink.frags, 1)
	assert.Equal(t, FragmentError, sink.frags[0].Type)
}

func TestEmitterSkipsEmptyDelta(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(sink)
	require.NoError(t, e.Delta(""))
	assert.Empty(t, sink.frags)
}

func TestDrainAssistantConcatenatesChunks(t *testing.T) {
	sr := schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: "The viewing is "},
		{Role: schema.Assistant, Content: "confirmed for Friday."},
	})

	sink := &recordingSink{}
	e := NewEmitter(sink)

	full, err := e.DrainAssistant(context.Background(), sr)
	require.NoError(t, err)
	assert.Equal(t, "The viewing is confirmed for Friday.", full.Content)

	require.Len(t, sink.frags, 2)
	assert.Equal(t, "The viewing is ", sink.frags[0].Text)
	assert.Equal(t, "confirmed for Friday.", sink.frags[1].Text)
}

func TestDrainAssistantCancelled(t *testing.T) {
	sr := schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: "never delivered"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewEmitter(&recordingSink{})
	_, err := e.DrainAssistant(ctx, sr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDrainAssistantSinkFailureStops(t *testing.T) {
	sr := schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: "chunk"},
	})

	sinkErr := errors.New("client went away")
	e := NewEmitter(&recordingSink{err: sinkErr})

	_, err := e.DrainAssistant(context.Background(), sr)
	assert.ErrorIs(t, err, sinkErr)
}
