// Package node wires the resolution engine together: configuration, cache,
// chain client, peer clients, job queues, orchestrator and indexer, managed
// through a service registry for ordered startup and shutdown.
package node

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/obscura-network/resolution-engine/cache"
	"github.com/obscura-network/resolution-engine/chain"
	"github.com/obscura-network/resolution-engine/config/params"
	"github.com/obscura-network/resolution-engine/indexer"
	"github.com/obscura-network/resolution-engine/monitoring/prometheus"
	"github.com/obscura-network/resolution-engine/peers"
	"github.com/obscura-network/resolution-engine/resolution"
	"github.com/obscura-network/resolution-engine/runtime"
	"github.com/obscura-network/resolution-engine/scheduler"
)

var log = logrus.WithField("prefix", "node")

const defaultQueueConcurrency = 4

type livenessQueueService struct{ *scheduler.Queue }

type settlementQueueService struct{ *scheduler.Queue }

// Engine is the running resolution engine process.
type Engine struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      *params.Config
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{}
}

// New builds the full engine from CLI configuration. Any failure here is
// fatal: the process must not come up half-wired.
func New(cliCtx *cli.Context) (*Engine, error) {
	cfg, err := params.FromCLI(cliCtx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(cliCtx.Context)
	e := &Engine{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	store, err := e.buildCache(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	chainClient, err := chain.Dial(ctx, cfg)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not initialize chain client")
	}

	events := peers.NewEvents(cfg.EventManagerURL)
	proposals := peers.NewProposals(cfg.ProposalServiceURL)
	disputes := peers.NewDisputes(cfg.DisputeServiceURL)
	rewards := peers.NewRewards(cfg.RewardServiceURL)
	notifications := peers.NewNotifications(cfg.NotificationServiceURL)

	livenessQueue := scheduler.NewQueue(resolution.LivenessQueueName, defaultQueueConcurrency)
	settlementQueue := scheduler.NewQueue(resolution.SettlementQueueName, defaultQueueConcurrency)

	orchestrator, err := resolution.NewService(ctx,
		resolution.WithConfig(cfg),
		resolution.WithCache(store),
		resolution.WithChainClient(chainClient),
		resolution.WithEventManager(events),
		resolution.WithProposalService(proposals),
		resolution.WithDisputeService(disputes),
		resolution.WithRewardService(rewards),
		resolution.WithNotificationService(notifications),
		resolution.WithLivenessQueue(livenessQueue),
		resolution.WithSettlementQueue(settlementQueue),
	)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not build orchestrator")
	}

	idx, err := indexer.New(ctx, chainClient.Backend(), events,
		[]common.Address{cfg.OracleRegistryAddr, cfg.ProposalManagerAddr},
		cfg.IndexerInterval, cfg.IndexerReplayDepth)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not build indexer")
	}

	monitoring := prometheus.NewService(cfg.MonitoringAddr(), e.services)

	// The registry keys services by concrete type, so the two queues need
	// distinct wrapper types.
	for _, svc := range []runtime.Service{
		&livenessQueueService{livenessQueue},
		&settlementQueueService{settlementQueue},
		orchestrator,
		idx,
		monitoring,
	} {
		if err := e.services.RegisterService(svc); err != nil {
			cancel()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) buildCache(ctx context.Context) (cache.Cache, error) {
	if e.cfg.RedisConfigured() {
		store, err := cache.NewRedis(ctx, e.cfg.RedisAddr(), e.cfg.RedisPassword)
		if err != nil {
			return nil, errors.Wrap(err, "could not connect cache transport")
		}
		log.WithField("addr", e.cfg.RedisAddr()).Info("Using Redis cache")
		return store, nil
	}
	log.Info("No Redis configured, using in-process cache")
	return cache.NewMemory(), nil
}

// Start launches every registered service and blocks until shutdown.
func (e *Engine) Start() {
	e.lock.Lock()
	e.services.StartAll()
	stop := e.stop
	e.lock.Unlock()
	log.Info("Resolution engine running")

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go e.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the resolution engine")
	}()

	<-stop
}

// Close stops every service in reverse registration order.
func (e *Engine) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.services.StopAll()
	e.cancel()
	close(e.stop)
	log.Info("Stopping resolution engine")
}
