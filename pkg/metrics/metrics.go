// Package metrics exposes the engine's Prometheus counters: a handful
// of election/vote/heartbeat counters surfaced alongside the structured
// logs so an operator can watch cluster health without scraping log
// lines.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ElectionsStarted counts every pre-vote round a node initiates,
	// whether or not it goes on to become a real candidate.
	ElectionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ruft",
		Name:      "elections_started_total",
		Help:      "Number of pre-vote rounds started by this node.",
	})

	// VotesGranted counts votes this node received from peers while
	// campaigning.
	VotesGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ruft",
		Name:      "votes_granted_total",
		Help:      "Number of real votes granted to this node by peers.",
	})

	// VotesDenied counts votes this node was denied while campaigning.
	VotesDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ruft",
		Name:      "votes_denied_total",
		Help:      "Number of real votes denied to this node by peers.",
	})

	// HeartbeatsSent counts individual AppendEntries RPCs sent by the
	// leader's heartbeat/replication broadcast; the AppendEntries a
	// linearizable read sends to confirm leadership are not counted.
	HeartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ruft",
		Name:      "heartbeats_sent_total",
		Help:      "Number of AppendEntries RPCs sent by the leader's heartbeat/replication broadcast.",
	})
)

func init() {
	prometheus.MustRegister(ElectionsStarted, VotesGranted, VotesDenied, HeartbeatsSent)
}
