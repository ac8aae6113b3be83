package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultStoreTimeout = 10 * time.Second
)

const (
	LockKeyPrefixTarget = "curation:lock:"
)

const (
	DefaultProposalTopic     = "agent_proposals"
	DefaultApplicationsTopic = "proposal_applications"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultMongoDBName = "curator"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	DefaultMinConfidence      = 0.8
	DefaultMaxProposalsPerRun = 25
	DefaultLockTTL            = 2 * time.Minute
)

const (
	ExclusionLowConfidence = "low_confidence"
	ExclusionMissingBlocks = "missing_required_blocks"
	ExclusionNoApprovals   = "no_approved_blocks"
	ExclusionInFlight      = "in_flight"
	ExclusionBatchCap      = "batch_cap"
	ExclusionRuleError     = "rule_error"
)
