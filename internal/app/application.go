// Package app ties the engine's services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/AgentHive-Network/credit_layer/internal/chain"
	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/notify"
	"github.com/AgentHive-Network/credit_layer/internal/ratelimit"
	"github.com/AgentHive-Network/credit_layer/internal/scheduler"
	"github.com/AgentHive-Network/credit_layer/internal/services/fees"
	ledgersvc "github.com/AgentHive-Network/credit_layer/internal/services/ledger"
	walletsvc "github.com/AgentHive-Network/credit_layer/internal/services/wallet"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
	"github.com/AgentHive-Network/credit_layer/internal/storage/memory"
	"github.com/AgentHive-Network/credit_layer/internal/system"
	"github.com/AgentHive-Network/credit_layer/internal/upstream"
	"github.com/AgentHive-Network/credit_layer/pkg/keymutex"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users   storage.UserStore
	Wallets storage.WalletStore
	Agents  storage.AgentStore
	Ledger  storage.LedgerStore
	Revenue storage.RevenueStore
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Stores Stores

	Wallet     *walletsvc.Service
	Reconciler *walletsvc.Reconciler
	Accounts   *ledgersvc.Service
	Collector  *fees.Collector
	Limiter    *ratelimit.Limiter
	Upstream   *upstream.Client
	Notifier   notify.Notifier
}

// upstreamBalances adapts the upstream client to the reconciler's
// BalanceSource.
type upstreamBalances struct {
	client *upstream.Client
}

func (b upstreamBalances) Balance(ctx context.Context, address string) (float64, bool, error) {
	return b.client.GetBalance(ctx, address)
}

// chainBalances adapts the on-chain reader. Every address exists on chain;
// an unfunded one reads zero.
type chainBalances struct {
	reader *chain.Reader
}

func (b chainBalances) Balance(ctx context.Context, address string) (float64, bool, error) {
	balance, err := b.reader.Balance(ctx, address)
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

// New builds a fully initialised application with the provided stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Wallets == nil {
		stores.Wallets = mem
	}
	if stores.Agents == nil {
		stores.Agents = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Revenue == nil {
		stores.Revenue = mem
	}

	manager := system.NewManager()
	locks := keymutex.New()

	var state ratelimit.StateStore = ratelimit.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		client, err := newRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		state = ratelimit.NewRedisStore(client, "creditlayer:ratelimit")
		log.WithField("addr", cfg.Redis.Addr).Info("rate limit state shared via redis")
	}

	rules := make(map[string]ratelimit.WindowRule, len(cfg.RateLimits))
	for _, rule := range cfg.RateLimits {
		rules[rule.Operation] = ratelimit.WindowRule{Limit: rule.Limit, Window: rule.Window}
	}
	limiter := ratelimit.New(state, rules, cfg.Backoff.Base, cfg.Backoff.Max)

	upstreamClient := upstream.New(cfg.Upstream, limiter, log.WithField("component", "upstream"))

	var notifier notify.Notifier = notify.NewLogNotifier(log.WithField("component", "notify"))
	if cfg.AMQP.URL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AMQP, log.WithField("component", "notify"))
		if err != nil {
			return nil, fmt.Errorf("connect notification broker: %w", err)
		}
		notifier = amqpNotifier
	}

	var balances walletsvc.BalanceSource = upstreamBalances{client: upstreamClient}
	if cfg.Chain.RPCURL != "" && cfg.Chain.TokenContract != "" {
		reader, err := chain.NewReader(cfg.Chain)
		if err != nil {
			return nil, fmt.Errorf("connect chain rpc: %w", err)
		}
		balances = chainBalances{reader: reader}
		log.WithField("contract", cfg.Chain.TokenContract).Info("deposit balances read on-chain")
	}

	walletService := walletsvc.New(stores.Users, stores.Wallets, upstreamClient, limiter, cfg.Fees, locks, log.WithField("component", "wallet"))
	reconciler := walletsvc.NewReconciler(stores.Wallets, balances, upstreamClient, notifier, cfg.Fees, locks, log.WithField("component", "deposit-reconciler"))
	accountService := ledgersvc.New(stores.Users, stores.Agents, stores.Ledger, upstreamClient, limiter, notifier, cfg.Fees, cfg.Tiers, locks, log.WithField("component", "ledger"))
	distributor := fees.NewDistributor(stores.Agents, stores.Ledger, cfg.Fees.LineageShareRate, cfg.Fees.MaxLineageDepth, log.WithField("component", "lineage"))
	collector := fees.NewCollector(stores.Agents, stores.Ledger, distributor, notifier, cfg.Fees, locks, log.WithField("component", "fee-collector"))

	for _, name := range []string{"wallets", "ledger", "fees"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	loops := scheduler.New(cfg.Intervals,
		reconciler.PollOnce,
		accountService.RefreshAll,
		collector.CollectAll,
		log.WithField("component", "scheduler"),
	)
	if err := manager.Register(loops); err != nil {
		return nil, fmt.Errorf("register scheduler: %w", err)
	}

	return &Application{
		manager:    manager,
		log:        log,
		Stores:     stores,
		Wallet:     walletService,
		Reconciler: reconciler,
		Accounts:   accountService,
		Collector:  collector,
		Limiter:    limiter,
		Upstream:   upstreamClient,
		Notifier:   notifier,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
