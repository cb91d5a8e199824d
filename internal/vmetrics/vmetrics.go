// Package vmetrics holds the Prometheus collectors shared by the session components.
//
// A nil *Metrics is valid and records nothing,
// so components can leave metrics unconfigured in tests.
package vmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vsession"

type Metrics struct {
	fetchAttempts  *prometheus.CounterVec
	fetchFailures  *prometheus.CounterVec
	flipsFetched   *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec

	epochPolls      prometheus.Counter
	epochPollErrors prometheus.Counter

	wordsRequests *prometheus.CounterVec

	submissions *prometheus.CounterVec

	actions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flip_fetch_attempts_total",
			Help:      "Flip list fetch rounds started, by session kind.",
		}, []string{"kind"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flip_fetch_failures_total",
			Help:      "Flip list fetch rounds that failed, by session kind.",
		}, []string{"kind"}),
		flipsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flips_fetched_total",
			Help:      "Individual flip contents requested from the node, by session kind.",
		}, []string{"kind"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flip_decode_failures_total",
			Help:      "Flips whose content could not be decoded, by session kind.",
		}, []string{"kind"}),

		epochPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epoch_polls_total",
			Help:      "Epoch queries sent to the node.",
		}),
		epochPollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epoch_poll_errors_total",
			Help:      "Epoch queries that failed.",
		}),

		wordsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "words_requests_total",
			Help:      "Flip words requests, by result (found, empty, error).",
		}, []string{"result"}),

		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_submissions_total",
			Help:      "Answer submissions, by session kind and result (ok, error).",
		}, []string{"kind", "result"}),

		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_applied_total",
			Help:      "State transitions applied by the engine, by action type.",
		}, []string{"action"}),
	}

	for _, c := range []prometheus.Collector{
		m.fetchAttempts, m.fetchFailures, m.flipsFetched, m.decodeFailures,
		m.epochPolls, m.epochPollErrors,
		m.wordsRequests,
		m.submissions,
		m.actions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) FetchAttempt(kind string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(kind).Inc()
}

func (m *Metrics) FetchFailure(kind string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) FlipFetched(kind string) {
	if m == nil {
		return
	}
	m.flipsFetched.WithLabelValues(kind).Inc()
}

func (m *Metrics) DecodeFailure(kind string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) EpochPoll(err error) {
	if m == nil {
		return
	}
	m.epochPolls.Inc()
	if err != nil {
		m.epochPollErrors.Inc()
	}
}

// WordsRequest records the outcome of a single words request.
// result is one of "found", "empty", or "error".
func (m *Metrics) WordsRequest(result string) {
	if m == nil {
		return
	}
	m.wordsRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Submission(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.submissions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Action(name string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(name).Inc()
}
