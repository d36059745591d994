package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/rewards-compounder/internal/cache"
	"github.com/ggonzalez94/rewards-compounder/internal/config"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/execution"
	"github.com/ggonzalez94/rewards-compounder/internal/logger"
	"github.com/ggonzalez94/rewards-compounder/internal/model"
	"github.com/ggonzalez94/rewards-compounder/internal/onchain"
	"github.com/ggonzalez94/rewards-compounder/internal/out"
	"github.com/ggonzalez94/rewards-compounder/internal/policy"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"github.com/ggonzalez94/rewards-compounder/internal/schema"
	"github.com/ggonzalez94/rewards-compounder/internal/version"
	"github.com/spf13/cobra"
)

// Backend is an RPC connection the runner can close once a command ends.
type Backend interface {
	onchain.Backend
	Close()
}

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	dial   func(ctx context.Context, rpcURL string) (Backend, error)
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
		dial: func(ctx context.Context, rpcURL string) (Backend, error) {
			client, err := onchain.Dial(ctx, rpcURL)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	getenv   func(string) string
	root     *cobra.Command

	registry *registry.Registry
	cache    *cache.Store
	runs     *execution.Store
	backend  Backend

	lastCommand  string
	lastWarnings []string
	lastMeta     model.EnvelopeMeta
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, getenv: os.Getenv}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err, state.lastWarnings)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Compound stability-pool rewards into a target market",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			getenv, err := config.EnvLookup(s.flags.EnvFile)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load env file", err)
			}
			s.getenv = getenv
			logger.Initialize(settings.LogLevel, s.runner.stderr)
			s.lastCommand = trimRootPath(cmd.CommandPath())
			return policy.ParseAllowlist(settings.EnableCommands).Check(s.lastCommand)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	flags := cmd.PersistentFlags()
	flags.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	flags.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	flags.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	flags.StringVar(&s.flags.EnvFile, "env-file", "", "Path to a .env file (default ./.env when present)")
	flags.StringVar(&s.flags.Timeout, "timeout", "", "Timeout for reads and planning")
	flags.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	flags.StringVar(&s.flags.RPCURL, "rpc-url", "", "EVM RPC endpoint")
	flags.Int64Var(&s.flags.ChainID, "chain-id", 0, "Chain id used to pick a default RPC endpoint")
	flags.StringVar(&s.flags.Markets, "markets", "", "Path to the markets file")
	flags.BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the plan cache")
	flags.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	flags.Int64Var(&s.flags.SlippageBps, "slippage-bps", -1, "Slippage tolerance applied to every minimum output")

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newMarketsCommand())
	cmd.AddCommand(s.newPositionsCommand())
	cmd.AddCommand(s.newCompoundCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if long {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
			return err
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus) error {
	meta := s.lastMeta
	meta.RequestID = newRequestID()
	meta.Timestamp = s.runner.now().UTC()
	meta.Command = commandPath
	meta.Cache = cacheStatus
	if meta.ChainID == 0 {
		meta.ChainID = s.settings.ChainID
	}
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Warnings: warnings,
		Meta:     meta,
	}
	return out.Render(s.runner.stdout, env, s.settings.OutputMode)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	message := err.Error()
	typ := clierr.TypeName(clierr.Code(code))

	mode := s.settings.OutputMode
	if mode == "" {
		mode = "json"
	}
	meta := s.lastMeta
	meta.RequestID = newRequestID()
	meta.Timestamp = s.runner.now().UTC()
	meta.Command = commandPath
	meta.Cache = cacheMetaBypass()
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta:     meta,
	}
	_ = out.Render(s.runner.stderr, env, mode)
}

func (s *runtimeState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.runs != nil {
		_ = s.runs.Close()
	}
	if s.backend != nil {
		s.backend.Close()
	}
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass"}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "required flag", "accepts ", "invalid argument"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
