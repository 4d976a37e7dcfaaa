// Package params holds the engine configuration parsed from CLI flags and
// environment variables at startup.
package params

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// Config carries every runtime parameter of the resolution engine. All
// required values are validated once at startup; a missing value is fatal.
type Config struct {
	RPCURL     string
	PrivateKey string

	OracleRegistryAddr  common.Address
	ProposalManagerAddr common.Address
	StakingManagerAddr  common.Address

	EventManagerURL        string
	ProposalServiceURL     string
	DisputeServiceURL      string
	RewardServiceURL       string
	NotificationServiceURL string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	MonitoringHost string
	MonitoringPort int

	// Resolution tuning. Defaults follow the deployed contract suite.
	LivenessWindow     time.Duration
	LivenessAttempts   int
	LivenessBackoff    time.Duration
	SettlementDelay    time.Duration
	SettlementAttempts int
	SettlementBackoff  time.Duration

	IndexerInterval    time.Duration
	IndexerReplayDepth uint64

	CacheTTL time.Duration
}

// DefaultConfig returns the resolution tuning defaults without any of the
// required endpoints. Used by tests and as the base for FromCLI.
func DefaultConfig() *Config {
	return &Config{
		MonitoringHost:     "127.0.0.1",
		MonitoringPort:     8080,
		LivenessWindow:     2 * time.Hour,
		LivenessAttempts:   3,
		LivenessBackoff:    5 * time.Second,
		SettlementDelay:    60 * time.Second,
		SettlementAttempts: 5,
		SettlementBackoff:  10 * time.Second,
		IndexerInterval:    10 * time.Second,
		IndexerReplayDepth: 100,
		CacheTTL:           300 * time.Second,
	}
}

// FromCLI builds a validated Config from the parsed CLI context.
func FromCLI(cliCtx *cli.Context) (*Config, error) {
	cfg := DefaultConfig()
	cfg.RPCURL = cliCtx.String(RPCURLFlag.Name)
	cfg.PrivateKey = cliCtx.String(PrivateKeyFlag.Name)
	cfg.EventManagerURL = cliCtx.String(EventManagerURLFlag.Name)
	cfg.ProposalServiceURL = cliCtx.String(ProposalServiceURLFlag.Name)
	cfg.DisputeServiceURL = cliCtx.String(DisputeServiceURLFlag.Name)
	cfg.RewardServiceURL = cliCtx.String(RewardServiceURLFlag.Name)
	cfg.NotificationServiceURL = cliCtx.String(NotificationServiceURLFlag.Name)
	cfg.RedisHost = cliCtx.String(RedisHostFlag.Name)
	cfg.RedisPort = cliCtx.String(RedisPortFlag.Name)
	cfg.RedisPassword = cliCtx.String(RedisPasswordFlag.Name)
	cfg.MonitoringHost = cliCtx.String(MonitoringHostFlag.Name)
	cfg.MonitoringPort = cliCtx.Int(MonitoringPortFlag.Name)

	for name, addr := range map[string]string{
		OracleRegistryFlag.Name:  cliCtx.String(OracleRegistryFlag.Name),
		ProposalManagerFlag.Name: cliCtx.String(ProposalManagerFlag.Name),
		StakingManagerFlag.Name:  cliCtx.String(StakingManagerFlag.Name),
	} {
		if !common.IsHexAddress(addr) {
			return nil, errors.Errorf("flag %s: %q is not a valid contract address", name, addr)
		}
	}
	cfg.OracleRegistryAddr = common.HexToAddress(cliCtx.String(OracleRegistryFlag.Name))
	cfg.ProposalManagerAddr = common.HexToAddress(cliCtx.String(ProposalManagerFlag.Name))
	cfg.StakingManagerAddr = common.HexToAddress(cliCtx.String(StakingManagerFlag.Name))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"rpc url":                  c.RPCURL,
		"private key":              c.PrivateKey,
		"event manager url":        c.EventManagerURL,
		"proposal service url":     c.ProposalServiceURL,
		"dispute service url":      c.DisputeServiceURL,
		"reward service url":       c.RewardServiceURL,
		"notification service url": c.NotificationServiceURL,
	}
	for name, v := range required {
		if v == "" {
			return errors.Errorf("missing required configuration: %s", name)
		}
	}
	return nil
}

// RedisConfigured reports whether a Redis cache transport was supplied.
// Without one the engine falls back to the in-process cache.
func (c *Config) RedisConfigured() bool {
	return c.RedisHost != ""
}

// RedisAddr returns the host:port pair for the Redis transport.
func (c *Config) RedisAddr() string {
	port := c.RedisPort
	if port == "" {
		port = "6379"
	}
	return c.RedisHost + ":" + port
}

// MonitoringAddr returns the listen address of the metrics/health server.
func (c *Config) MonitoringAddr() string {
	return fmt.Sprintf("%s:%d", c.MonitoringHost, c.MonitoringPort)
}
