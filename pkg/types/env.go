package types

// Environment variables the launcher exports to every rank process.
const (
	EnvRank              = "RANK"
	EnvLocalRank         = "LOCAL_RANK"
	EnvWorldSize         = "WORLD_SIZE"
	EnvLocalWorldSize    = "LOCAL_WORLD_SIZE"
	EnvNodeID            = "NODE_ID"
	EnvRestartCount      = "RESTART_COUNT"
	EnvMaxRestarts       = "MAX_RESTARTS"
	EnvRunID             = "RUN_ID"
	EnvHeartbeatAddr     = "RANKWATCH_HEARTBEAT_ADDR"
	EnvHeartbeatInterval = "RANKWATCH_HEARTBEAT_INTERVAL"
	EnvHangTimeout       = "RANKWATCH_HANG_TIMEOUT"
	EnvTermSignal        = "RANKWATCH_TERM_SIGNAL"
)
