package constants

import "time"

const (
	// DefaultPruneInterval is the production reconciliation cadence.
	// Development deployments typically override this to one minute.
	DefaultPruneInterval = 5 * time.Minute

	// DefaultPruneDebounce coalesces prune checks triggered by rapid
	// successive source deletions into a single pass.
	DefaultPruneDebounce = 1 * time.Second

	DefaultOperationTimeout = 15 * time.Second
	DefaultPollInterval     = 10 * time.Second
	DefaultEventBuffer      = 64
)

const (
	ChangefeedListen = "listen"
	ChangefeedPoll   = "poll"
	ChangefeedKafka  = "kafka"
)

const (
	// NotifyChannelPrefix prefixes the LISTEN/NOTIFY channel for a
	// source relation, e.g. facet_transactions.
	NotifyChannelPrefix = "facet_"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	CacheKeyPrefixOptions = "facet:options:"
	DefaultCacheTTL       = 60 * time.Second
)

const (
	// ObserverSendBuffer is the per-observer outbound queue; events to a
	// full queue are dropped rather than blocking the broadcaster.
	ObserverSendBuffer = 32

	ObserverWriteTimeout = 10 * time.Second
	ObserverPingInterval = 30 * time.Second
	ObserverPongTimeout  = 60 * time.Second
)
