package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/execution"
	"github.com/ggonzalez94/rewards-compounder/internal/execution/planner"
	execsigner "github.com/ggonzalez94/rewards-compounder/internal/execution/signer"
	"github.com/ggonzalez94/rewards-compounder/internal/logger"
	"github.com/ggonzalez94/rewards-compounder/internal/model"
	"github.com/ggonzalez94/rewards-compounder/internal/out"
	"github.com/ggonzalez94/rewards-compounder/internal/schema"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

type compoundArgs struct {
	target  string
	pools   []string
	allocs  []string
	account string
	keys    signerArgs
}

func (s *runtimeState) newCompoundCommand() *cobra.Command {
	root := &cobra.Command{Use: "compound", Short: "Claim stability-pool rewards and redeposit them"}
	root.AddCommand(s.newCompoundRewardsCommand())
	root.AddCommand(s.newCompoundPlanCommand())
	root.AddCommand(s.newCompoundRunCommand())
	root.AddCommand(s.newCompoundSimpleCommand())
	root.AddCommand(s.newCompoundStatusCommand())
	root.AddCommand(s.newCompoundRunsCommand())
	return root
}

func (s *runtimeState) newCompoundRewardsCommand() *cobra.Command {
	var args compoundArgs
	cmd := &cobra.Command{
		Use:   "rewards",
		Short: "List claimable rewards of the selected pools, classified against a target market",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := s.ensureRegistry()
			if err != nil {
				return err
			}
			selection, err := parseSelection(reg, args.pools)
			if err != nil {
				return err
			}
			var targetPegged common.Address
			if strings.TrimSpace(args.target) != "" {
				m, ok := reg.Market(args.target)
				if !ok {
					return clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown target market %q", args.target))
				}
				targetPegged = m.PeggedToken
			}

			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			sess, err := s.readSession(ctx, args.account, args.keys)
			if err != nil {
				return err
			}
			collected, err := sess.collector.Collect(ctx, selection, targetPegged)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "collect claimable rewards", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), collected, nil, cacheMetaBypass())
		},
	}
	addSelectionFlags(cmd, &args)
	cmd.Flags().StringVar(&args.target, "target", "", "Target market id used to classify rewards")
	cmd.Flags().StringVar(&args.account, "account", "", "Account to read (defaults to the signer)")
	return cmd
}

func (s *runtimeState) newCompoundPlanCommand() *cobra.Command {
	var args compoundArgs
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a consolidated compound into the target market and disclose every fee",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			req, err := s.planRequest(args)
			if err != nil {
				return err
			}
			sess, err := s.readSession(ctx, args.account, args.keys)
			if err != nil {
				return err
			}
			p, err := s.newPlanner(sess)
			if err != nil {
				return err
			}
			result, err := p.PlanCompound(ctx, req)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, nil, s.planCacheStatus(result))
		},
	}
	addSelectionFlags(cmd, &args)
	addTargetFlags(cmd, &args)
	cmd.Flags().StringVar(&args.account, "account", "", "Account to plan for (defaults to the signer)")
	return cmd
}

func (s *runtimeState) newCompoundRunCommand() *cobra.Command {
	var args compoundArgs
	cmd := &cobra.Command{
		Use:         "run",
		Short:       "Plan and execute a consolidated compound into the target market",
		Annotations: map[string]string{schema.AnnotationSigns: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := s.planRequest(args)
			if err != nil {
				return err
			}
			release, err := s.acquireRunLock()
			if err != nil {
				return err
			}
			defer release()

			planCtx, cancelPlan := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancelPlan()
			sess, err := s.writeSession(planCtx, args.keys)
			if err != nil {
				return err
			}
			p, err := s.newPlanner(sess)
			if err != nil {
				return err
			}
			result, err := p.PlanCompound(planCtx, req)
			if err != nil {
				return err
			}
			for _, fee := range result.Fees {
				log := logger.GetForComponent("app")
				log.Info().
					Str("kind", string(fee.Kind)).
					Str("token", fee.Symbol).
					Str("venue", fee.MarketID).
					Str("fee_percent", fee.FeePercent.String()).
					Msg("conversion fee")
			}

			exec := s.newExecutor(sess)
			run := execution.NewRun(execution.RunModeConsolidated, sess.account, req.TargetMarketID, req.Selection)
			run.Plan = result.Plan
			return s.execute(cmd, sess, run, func(ctx context.Context, tracker *execution.Tracker) (execution.Summary, error) {
				return exec.RunConsolidated(ctx, result.Plan, req.Selection, tracker)
			})
		},
	}
	addSelectionFlags(cmd, &args)
	addTargetFlags(cmd, &args)
	addSignerFlags(cmd, &args.keys)
	return cmd
}

func (s *runtimeState) newCompoundSimpleCommand() *cobra.Command {
	var args compoundArgs
	cmd := &cobra.Command{
		Use:         "simple",
		Short:       "Compound each market's rewards back into that market's own pools",
		Annotations: map[string]string{schema.AnnotationSigns: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := s.ensureRegistry()
			if err != nil {
				return err
			}
			selection, err := parseSelection(reg, args.pools)
			if err != nil {
				return err
			}
			allocations, err := parseAllocations(reg, args.allocs)
			if err != nil {
				return err
			}
			release, err := s.acquireRunLock()
			if err != nil {
				return err
			}
			defer release()

			dialCtx, cancelDial := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancelDial()
			sess, err := s.writeSession(dialCtx, args.keys)
			if err != nil {
				return err
			}
			exec := s.newExecutor(sess)
			run := execution.NewRun(execution.RunModeSimple, sess.account, "", selection)
			return s.execute(cmd, sess, run, func(ctx context.Context, tracker *execution.Tracker) (execution.Summary, error) {
				return exec.RunSimple(ctx, selection, allocations, tracker)
			})
		},
	}
	addSelectionFlags(cmd, &args)
	cmd.Flags().StringArrayVar(&args.allocs, "alloc", nil, "Deposit split as pool=percent, applied per market (repeatable)")
	addSignerFlags(cmd, &args.keys)
	return cmd
}

func (s *runtimeState) newCompoundStatusCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a run and its step trail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(runID) == "" {
				return clierr.New(clierr.CodeUsage, "--run-id is required")
			}
			store, err := s.ensureRunStore()
			if err != nil {
				return err
			}
			run, err := store.Get(strings.TrimSpace(runID))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load run", err)
			}
			s.lastMeta.RunID = run.RunID
			s.lastMeta.Account = run.Account
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), run, nil, cacheMetaBypass())
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier")
	return cmd
}

func (s *runtimeState) newCompoundRunsCommand() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch execution.RunStatus(status) {
			case "", execution.RunStatusRunning, execution.RunStatusCompleted, execution.RunStatusFailed, execution.RunStatusCancelled:
			default:
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported --status %q", status))
			}
			store, err := s.ensureRunStore()
			if err != nil {
				return err
			}
			runs, err := store.List(status, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), runs, nil, cacheMetaBypass())
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running|completed|failed|cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func addSelectionFlags(cmd *cobra.Command, args *compoundArgs) {
	cmd.Flags().StringArrayVar(&args.pools, "pool", nil, "Stability pool to claim from as market:role (repeatable)")
	cmd.Flags().StringVar(&args.keys.keySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file|keystore)")
}

func addTargetFlags(cmd *cobra.Command, args *compoundArgs) {
	cmd.Flags().StringVar(&args.target, "target", "", "Target market id")
	cmd.Flags().StringArrayVar(&args.allocs, "alloc", nil, "Deposit split as pool=percent (repeatable, defaults to the target's collateral pool)")
}

func addSignerFlags(cmd *cobra.Command, keys *signerArgs) {
	cmd.Flags().StringVar(&keys.privateKey, "private-key", "", "Private key hex override for local signer (less safe)")
}

func (s *runtimeState) planRequest(args compoundArgs) (planner.PlanRequest, error) {
	reg, err := s.ensureRegistry()
	if err != nil {
		return planner.PlanRequest{}, err
	}
	if strings.TrimSpace(args.target) == "" {
		return planner.PlanRequest{}, clierr.New(clierr.CodeUsage, "--target is required")
	}
	target, ok := reg.Market(args.target)
	if !ok {
		return planner.PlanRequest{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown target market %q", args.target))
	}
	selection, err := parseSelection(reg, args.pools)
	if err != nil {
		return planner.PlanRequest{}, err
	}
	allocations, err := parseAllocations(reg, args.allocs)
	if err != nil {
		return planner.PlanRequest{}, err
	}
	if len(allocations) == 0 {
		allocations = defaultAllocations(target)
	}
	return planner.PlanRequest{TargetMarketID: target.ID, Allocations: allocations, Selection: selection}, nil
}

func (s *runtimeState) planCacheStatus(result planner.PlanResult) model.CacheStatus {
	switch {
	case !s.settings.CacheEnabled:
		return cacheMetaBypass()
	case result.CacheHit:
		return model.CacheStatus{Status: "hit", Key: result.CacheKey}
	default:
		return model.CacheStatus{Status: "miss", Key: result.CacheKey}
	}
}

// acquireRunLock keeps a single run active per machine so one signer never has two
// runs racing for nonces.
func (s *runtimeState) acquireRunLock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.settings.RunLockPath), 0o755); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "create run lock directory", err)
	}
	lock := flock.New(s.settings.RunLockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "acquire run lock", err)
	}
	if !locked {
		return nil, clierr.New(clierr.CodeBlocked, "another compounding run is active")
	}
	return func() { _ = lock.Unlock() }, nil
}

type runFunc func(ctx context.Context, tracker *execution.Tracker) (execution.Summary, error)

// execute starts run, streams its progress to stderr and waits for it. The first
// interrupt cancels after the in-flight step; a second one aborts.
func (s *runtimeState) execute(cmd *cobra.Command, sess *session, run execution.Run, fn runFunc) error {
	store, err := s.ensureRunStore()
	if err != nil {
		return err
	}
	s.lastMeta.RunID = run.RunID
	log := logger.GetForComponent("app")

	ctx, abort := context.WithCancel(context.Background())
	defer abort()

	h := execution.NewHandle(run, store)
	events := h.Subscribe(0)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for ev := range events {
			_, _ = fmt.Fprintln(s.runner.stderr, out.ProgressLine(ev))
		}
	}()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	h.Start(func(tracker *execution.Tracker) (execution.Summary, error) {
		return fn(ctx, tracker)
	})
	go func() {
		interrupts := 0
		for {
			select {
			case <-signals:
				interrupts++
				if interrupts == 1 {
					log.Warn().Str("run_id", run.RunID).Msg("cancelling after the in-flight step, interrupt again to abort")
					h.Cancel()
					continue
				}
				log.Warn().Str("run_id", run.RunID).Msg("aborting run")
				abort()
				return
			case <-h.Done():
				return
			}
		}
	}()

	summary, runErr := h.Wait()
	<-progressDone

	if planCache, err := s.ensureCache(); err != nil {
		log.Warn().Err(err).Msg("open plan cache failed")
	} else if planCache != nil {
		if err := planCache.InvalidateAccount(sess.account.Hex()); err != nil {
			log.Warn().Err(err).Msg("invalidate cached plans failed")
		}
	}
	if runErr != nil {
		return runErr
	}

	snapshot := h.Snapshot()
	result := model.RunResult{
		RunID:    snapshot.RunID,
		Mode:     string(snapshot.Mode),
		Status:   string(snapshot.Status),
		Total:    totalString(summary),
		Deposits: summary.Deposits,
		Steps:    snapshot.Steps,
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, nil, cacheMetaBypass())
}

func totalString(summary execution.Summary) string {
	if summary.Total == nil {
		return "0"
	}
	return summary.Total.String()
}
