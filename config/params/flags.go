package params

import "github.com/urfave/cli/v2"

var (
	// RPCURLFlag is the EVM JSON-RPC endpoint the engine signs against.
	RPCURLFlag = &cli.StringFlag{
		Name:     "rpc-url",
		Usage:    "JSON-RPC endpoint of the BNB chain node",
		EnvVars:  []string{"BNB_RPC_URL"},
		Required: true,
	}
	// PrivateKeyFlag is the hex-encoded key of the engine wallet.
	PrivateKeyFlag = &cli.StringFlag{
		Name:     "private-key",
		Usage:    "Hex encoded private key of the engine wallet",
		EnvVars:  []string{"PRIVATE_KEY"},
		Required: true,
	}
	OracleRegistryFlag = &cli.StringFlag{
		Name:     "oracle-registry",
		Usage:    "Address of the oracle registry contract",
		EnvVars:  []string{"ORACLE_REGISTRY_ADDRESS"},
		Required: true,
	}
	ProposalManagerFlag = &cli.StringFlag{
		Name:     "proposal-manager",
		Usage:    "Address of the proposal manager contract",
		EnvVars:  []string{"PROPOSAL_MANAGER_ADDRESS"},
		Required: true,
	}
	StakingManagerFlag = &cli.StringFlag{
		Name:     "staking-manager",
		Usage:    "Address of the staking manager contract",
		EnvVars:  []string{"STAKING_MANAGER_ADDRESS"},
		Required: true,
	}
	EventManagerURLFlag = &cli.StringFlag{
		Name:     "event-manager-url",
		Usage:    "Base URL of the event manager service",
		EnvVars:  []string{"EVENT_MANAGER_URL"},
		Required: true,
	}
	ProposalServiceURLFlag = &cli.StringFlag{
		Name:     "proposal-service-url",
		Usage:    "Base URL of the proposal service",
		EnvVars:  []string{"PROPOSAL_SERVICE_URL"},
		Required: true,
	}
	DisputeServiceURLFlag = &cli.StringFlag{
		Name:     "dispute-service-url",
		Usage:    "Base URL of the dispute service",
		EnvVars:  []string{"DISPUTE_SERVICE_URL"},
		Required: true,
	}
	RewardServiceURLFlag = &cli.StringFlag{
		Name:     "reward-service-url",
		Usage:    "Base URL of the reward distribution service",
		EnvVars:  []string{"REWARD_SERVICE_URL"},
		Required: true,
	}
	NotificationServiceURLFlag = &cli.StringFlag{
		Name:     "notification-service-url",
		Usage:    "Base URL of the arbitrator notification service",
		EnvVars:  []string{"NOTIFICATION_SERVICE_URL"},
		Required: true,
	}
	RedisHostFlag = &cli.StringFlag{
		Name:    "redis-host",
		Usage:   "Redis host for the cache transport; empty selects the in-process cache",
		EnvVars: []string{"REDIS_HOST"},
	}
	RedisPortFlag = &cli.StringFlag{
		Name:    "redis-port",
		Usage:   "Redis port for the cache transport",
		EnvVars: []string{"REDIS_PORT"},
	}
	RedisPasswordFlag = &cli.StringFlag{
		Name:    "redis-password",
		Usage:   "Redis password for the cache transport",
		EnvVars: []string{"REDIS_PASSWORD"},
	}
	MonitoringHostFlag = &cli.StringFlag{
		Name:  "monitoring-host",
		Usage: "Host used by the monitoring server for metrics and health",
		Value: "127.0.0.1",
	}
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port used by the monitoring server for metrics and health",
		Value: 8080,
	}
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error)",
		Value: "info",
	}
)

// Flags returns every flag the resolution-engine binary accepts.
func Flags() []cli.Flag {
	return []cli.Flag{
		RPCURLFlag,
		PrivateKeyFlag,
		OracleRegistryFlag,
		ProposalManagerFlag,
		StakingManagerFlag,
		EventManagerURLFlag,
		ProposalServiceURLFlag,
		DisputeServiceURLFlag,
		RewardServiceURLFlag,
		NotificationServiceURLFlag,
		RedisHostFlag,
		RedisPortFlag,
		RedisPasswordFlag,
		MonitoringHostFlag,
		MonitoringPortFlag,
		VerbosityFlag,
	}
}
