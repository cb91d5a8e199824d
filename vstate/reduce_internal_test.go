package vstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type unknownAction struct{}

func (unknownAction) isAction() {}

func TestReduce_unknownActionPanics(t *testing.T) {
	t.Parallel()

	states := []State{Initial()}

	s := Reduce(Initial(), FetchFlipsSucceeded{Kind: KindShort, Flips: []FetchedFlip{
		{Hash: "a", Ready: true, Content: &Content{Pics: [][]byte{{1}}, Orders: [][]int{{0}}}},
	}})
	states = append(states, s)
	states = append(states, Reduce(s, ShortAnswersSubmitted{}))
	states = append(states, Reduce(s, LongAnswersSubmitted{}))

	for _, st := range states {
		require.PanicsWithError(t, "BUG: unhandled action type vstate.unknownAction", func() {
			Reduce(st, unknownAction{})
		})
	}
}

func TestAppendRetry_doesNotAlias(t *testing.T) {
	t.Parallel()

	var s State
	s = Reduce(s, FetchFlipsStarted{Kind: KindShort})
	a := Reduce(s, FetchFlipsStarted{Kind: KindShort})
	b := Reduce(s, FetchFlipsStarted{Kind: KindLong})

	require.Len(t, a.Retries, 2)
	require.Len(t, b.Retries, 2)
	require.Len(t, s.Retries, 1)
}
