// Package main implements the paracooba command, a node of a distributed
// cube-and-conquer SAT solver.
//
// A node runs in one of two roles:
//   - client: reads a DIMACS CNF formula, becomes its originator and prints
//     the result in SAT competition format
//   - daemon (-d): joins the cluster and works on formulas of other nodes
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                    │
//	├─────────────────────────────────────────┤
//	│  UDP gossip   - membership, load, tree  │
//	│  TCP stream   - formulas, jobs, results │
//	│  HTTP         - /health /status         │
//	│                 /metrics /tree          │
//	├─────────────────────────────────────────┤
//	│  Orchestrator - priming, rebalancing    │
//	│  Worker pool  - cubing and solving      │
//	└─────────────────────────────────────────┘
//
// Configuration comes from built-in defaults, an optional YAML file
// (--config), PARACOOBA_* environment variables and flags, the latter
// taking precedence.
//
// Example usage:
//
//	# Start two compute nodes
//	paracooba -d --tcp-listen-port 18001 --udp-listen-port 18001
//	paracooba -d --tcp-listen-port 18002 --udp-listen-port 18002 --http-listen-port 0
//
//	# Solve a formula with their help
//	paracooba --tcp-listen-port 18003 --udp-listen-port 18003 --http-listen-port 0 problem.cnf
//
// Exit codes:
//   - 10: satisfiable
//   - 20: unsatisfiable
//   - 0: unknown, or a daemon that shut down
//   - 1: invalid usage or a failed node
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dreamware/paracooba/internal/config"
	"github.com/dreamware/paracooba/internal/engine"
	"github.com/dreamware/paracooba/internal/node"
)

// exitCode carries the process exit status out of the command.
type exitCode int

func (e exitCode) Error() string { return "exit " + strconv.Itoa(int(e)) }

// maxLine bounds the length of a value line.
const maxLine = 78

func main() {
	err := newRootCmd().Execute()
	var code exitCode
	switch {
	case errors.As(err, &code):
		os.Exit(int(code))
	case err != nil:
		fmt.Fprintln(os.Stderr, "paracooba:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	flags      config.Config
}

func newRootCmd() *cobra.Command {
	o := options{flags: config.Default()}

	cmd := &cobra.Command{
		Use:           "paracooba [flags] [formula.cnf]",
		Short:         "Distributed cube-and-conquer SAT solver",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config(cmd.Flags())
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if cfg.Daemon {
				if len(args) > 0 {
					return errors.New("a daemon takes no formula")
				}
				return runDaemon(ctx, logger, cfg)
			}
			if len(args) == 0 {
				return errors.New("missing formula file (or -d for daemon mode)")
			}
			formula, err := readFormula(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runClient(ctx, logger, cfg, formula, cmd.OutOrStdout())
		},
	}

	o.addFlags(cmd.Flags())
	return cmd
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	o.flags.BindFlags(fs)
}

// config merges defaults, the YAML file and the environment, then applies
// the flags that were set on the command line.
func (o *options) config(set *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	target := pflag.NewFlagSet("config", pflag.ContinueOnError)
	cfg.BindFlags(target)
	set.Visit(func(f *pflag.Flag) {
		tf := target.Lookup(f.Name)
		if tf == nil || err != nil {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			err = tf.Value.(pflag.SliceValue).Replace(sv.GetSlice())
			return
		}
		err = tf.Value.Set(f.Value.String())
	})
	if err != nil {
		return cfg, fmt.Errorf("applying flags: %w", err)
	}
	return cfg, cfg.Finalize()
}

func newLogger(cfg config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	switch {
	case cfg.Trace:
		logger.SetLevel(logrus.TraceLevel)
	case cfg.Debug:
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func readFormula(name string, stdin io.Reader) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

func runDaemon(ctx context.Context, logger *logrus.Logger, cfg config.Config) error {
	n, err := node.New(logger, cfg)
	if err != nil {
		return err
	}
	return n.Run(ctx)
}

// runClient originates formula, waits for the cluster to solve it and
// prints the result.
func runClient(ctx context.Context, logger *logrus.Logger, cfg config.Config, formula []byte, out io.Writer) error {
	n, err := node.New(logger, cfg)
	if err != nil {
		return err
	}
	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	c, err := n.Submit(formula)
	if err != nil {
		n.Stop()
		<-runErr
		return err
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			return err
		}
		return errors.New("node stopped before a result was known")
	}
	n.Stop()
	if err := <-runErr; err != nil {
		logger.WithError(err).Warn("node did not stop cleanly")
	}

	st, model := c.Result()
	if err := writeResult(out, st, model); err != nil {
		return err
	}
	if st == engine.Unknown {
		return nil
	}
	return exitCode(st)
}

// writeResult prints st and, for satisfiable formulas, the model as value
// lines terminated by 0.
func writeResult(w io.Writer, st engine.Status, model []int) error {
	switch st {
	case engine.Sat:
		if _, err := fmt.Fprintln(w, "s SATISFIABLE"); err != nil {
			return err
		}
	case engine.Unsat:
		_, err := fmt.Fprintln(w, "s UNSATISFIABLE")
		return err
	default:
		_, err := fmt.Fprintln(w, "s UNKNOWN")
		return err
	}

	var line strings.Builder
	flush := func() error {
		if line.Len() == 0 {
			return nil
		}
		_, err := fmt.Fprintln(w, line.String())
		line.Reset()
		return err
	}
	for _, lit := range append(append([]int(nil), model...), 0) {
		tok := strconv.Itoa(lit)
		if line.Len() > 0 && line.Len()+1+len(tok) > maxLine {
			if err := flush(); err != nil {
				return err
			}
		}
		if line.Len() == 0 {
			line.WriteString("v")
		}
		line.WriteString(" " + tok)
	}
	return flush()
}
