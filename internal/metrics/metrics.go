package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UsersRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pchat_users_registered_total",
			Help: "Total users registered",
		},
	)

	ConversationSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_conversation_saves_total",
			Help: "Total conversation save operations",
		},
		[]string{"mode"}, // "append" or "overwrite"
	)

	ConversationReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pchat_conversation_reads_total",
			Help: "Total conversation read operations",
		},
	)

	SelfHealRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pchat_self_heal_repairs_total",
			Help: "Records rewritten after read-time deduplication shrank them",
		},
	)

	RecordsQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pchat_records_quarantined_total",
			Help: "Conversation records moved aside for malformed keys",
		},
	)
)
