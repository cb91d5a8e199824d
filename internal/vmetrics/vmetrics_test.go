package vmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.FetchAttempt("short")
	m.FetchAttempt("short")
	m.DecodeFailure("long")
	m.EpochPoll(nil)
	m.EpochPoll(errors.New("boom"))
	m.Submission("short", nil)
	m.Submission("short", errors.New("rejected"))
	m.WordsRequest("found")

	require.Equal(t, 2.0, testutil.ToFloat64(m.fetchAttempts.WithLabelValues("short")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.decodeFailures.WithLabelValues("long")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.epochPolls))
	require.Equal(t, 1.0, testutil.ToFloat64(m.epochPollErrors))
	require.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("short", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("short", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.wordsRequests.WithLabelValues("found")))

	// Registering twice on the same registry is an error.
	_, err = New(reg)
	require.Error(t, err)
}

func TestMetrics_nil(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.FetchAttempt("short")
		m.FetchFailure("short")
		m.FlipFetched("short")
		m.DecodeFailure("short")
		m.EpochPoll(nil)
		m.WordsRequest("error")
		m.Submission("long", nil)
		m.Action("Next")
	})
}
