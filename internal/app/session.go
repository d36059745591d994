package app

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/rewards-compounder/internal/cache"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/execution"
	"github.com/ggonzalez94/rewards-compounder/internal/execution/planner"
	execsigner "github.com/ggonzalez94/rewards-compounder/internal/execution/signer"
	"github.com/ggonzalez94/rewards-compounder/internal/logger"
	"github.com/ggonzalez94/rewards-compounder/internal/onchain"
	"github.com/ggonzalez94/rewards-compounder/internal/reads"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"github.com/ggonzalez94/rewards-compounder/internal/rewards"
)

// session is the wired component graph for one account.
type session struct {
	account   common.Address
	client    *onchain.Client
	collector *rewards.Collector
	reader    *reads.Reader
}

type signerArgs struct {
	keySource  string
	privateKey string
}

func (s *runtimeState) ensureRegistry() (*registry.Registry, error) {
	if s.registry != nil {
		return s.registry, nil
	}
	reg, err := registry.LoadMarkets(s.settings.MarketsPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSetup, "load markets", err)
	}
	if reg.ChainID != 0 && reg.ChainID != s.settings.ChainID {
		log := logger.GetForComponent("app")
		log.Warn().Int64("markets_chain_id", reg.ChainID).Int64("chain_id", s.settings.ChainID).Msg("markets file targets a different chain")
	}
	s.registry = reg
	return reg, nil
}

// ensureCache opens the plan cache. It returns nil when caching is disabled.
func (s *runtimeState) ensureCache() (*cache.Store, error) {
	if !s.settings.CacheEnabled {
		return nil, nil
	}
	if s.cache != nil {
		return s.cache, nil
	}
	store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open plan cache", err)
	}
	s.cache = store
	return store, nil
}

func (s *runtimeState) ensureRunStore() (*execution.Store, error) {
	if s.runs != nil {
		return s.runs, nil
	}
	store, err := execution.OpenStore(s.settings.RunStorePath, s.settings.RunStoreLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open run store", err)
	}
	s.runs = store
	return store, nil
}

func (s *runtimeState) loadSigner(args signerArgs) (*execsigner.LocalSigner, error) {
	cfg, err := execsigner.ResolveKeyConfig(args.keySource, args.privateKey, s.getenv)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve signer", err)
	}
	txSigner, err := execsigner.New(cfg)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signer", err)
	}
	return txSigner, nil
}

func (s *runtimeState) connect(ctx context.Context) (Backend, error) {
	if s.backend != nil {
		return s.backend, nil
	}
	rpcURL, err := registry.ResolveRPCURL(s.settings.RPCURL, s.settings.ChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	backend, err := s.runner.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	return backend, nil
}

// readSession wires a read-only graph for accountRaw, or for the configured signer
// when no account is given.
func (s *runtimeState) readSession(ctx context.Context, accountRaw string, keys signerArgs) (*session, error) {
	var account common.Address
	if strings.TrimSpace(accountRaw) != "" {
		parsed, err := parseAccount(accountRaw)
		if err != nil {
			return nil, err
		}
		account = parsed
	} else {
		txSigner, err := s.loadSigner(keys)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "--account is required when no signer key is configured", err)
		}
		account = txSigner.Address()
	}
	return s.wire(ctx, nil, account)
}

// writeSession wires a signing graph.
func (s *runtimeState) writeSession(ctx context.Context, keys signerArgs) (*session, error) {
	txSigner, err := s.loadSigner(keys)
	if err != nil {
		return nil, err
	}
	return s.wire(ctx, txSigner, txSigner.Address())
}

func (s *runtimeState) wire(ctx context.Context, txSigner execsigner.Signer, account common.Address) (*session, error) {
	reg, err := s.ensureRegistry()
	if err != nil {
		return nil, err
	}
	backend, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	client := onchain.New(backend, txSigner, account, onchain.Options{
		PollInterval:       s.settings.ReceiptPollInterval,
		GasMultiplier:      s.settings.GasMultiplier,
		MaxFeeGwei:         s.settings.MaxFeeGwei,
		MaxPriorityFeeGwei: s.settings.MaxPriorityFeeGwei,
	})
	s.lastMeta.Account = account.Hex()
	return &session{
		account:   account,
		client:    client,
		collector: rewards.NewCollector(reg, client, account, s.settings.SimulationConcurrency),
		reader:    reads.New(reg, client, account, s.settings.SimulationConcurrency),
	}, nil
}

func (s *runtimeState) newPlanner(sess *session) (*planner.Planner, error) {
	store, err := s.ensureCache()
	if err != nil {
		return nil, err
	}
	var planCache planner.PlanCache
	if store != nil {
		planCache = store
	}
	return planner.New(s.registry, sess.collector, sess.client, sess.account, planCache, planner.Options{
		Concurrency:   s.settings.SimulationConcurrency,
		RatePerSecond: s.settings.RPCRatePerSecond,
		CacheTTL:      s.settings.PlanTTL,
	}), nil
}

func (s *runtimeState) newExecutor(sess *session) *execution.Executor {
	return execution.NewExecutor(sess.client, s.registry, sess.collector, sess.reader, execution.Options{
		SlippageBps:     s.settings.SlippageBps,
		NonceRetryDelay: s.settings.NonceRetryDelay,
	})
}
