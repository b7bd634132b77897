package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"rudder/internal/delivery/httpapi"
	"rudder/internal/events"
	rerrors "rudder/internal/errors"
	"rudder/internal/logging"
	"rudder/internal/observability"
	"rudder/internal/policy"
	"rudder/internal/router"
	"rudder/internal/supervisor"
)

const version = "0.3.0"

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Color definitions for CLI output
var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func StyleError(msg string) string {
	return red("error: " + msg)
}

func StyleOK(msg string) string {
	return green(msg)
}

// CLI holds the command line interface state
type CLI struct {
	policyPath string
	verbose    bool
	debug      bool
	jsonOutput bool
}

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:   "rudder",
		Short: "Rule- and classifier-driven request routing engine",
		Long: fmt.Sprintf(`%s

rudder routes incoming requests to named targets using a declarative policy:
priority-ordered rules, a classifier oracle with confidence gating, per-target
circuit breakers, fallback chains, experiment traffic splits and session
stickiness, all under a bounded time budget.

%s
  rudder validate -p policy.yaml                  # Check a policy file
  rudder route -p policy.yaml '{"tier":"pro"}'    # One-shot decision
  rudder serve -p policy.yaml --port 8080         # HTTP API
  rudder breakers --addr localhost:8080           # Breaker states`,
			bold("rudder "+version),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := viper.ReadInConfig(); err != nil && cli.debug {
				fmt.Fprintln(os.Stderr, gray(fmt.Sprintf("config file not found: %v", err)))
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cli.policyPath, "policy", "p", "policy.yaml", "Policy file path")
	rootCmd.PersistentFlags().BoolVarP(&cli.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&cli.debug, "debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&cli.jsonOutput, "json", false, "JSON output")

	rootCmd.AddCommand(newValidateCommand(cli))
	rootCmd.AddCommand(newRouteCommand(cli))
	rootCmd.AddCommand(newServeCommand(cli))
	rootCmd.AddCommand(newBreakersCommand(cli))
	rootCmd.AddCommand(newVersionCommand())

	viper.SetConfigName("rudder")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.rudder")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("RUDDER")
	viper.AutomaticEnv()

	return rootCmd
}

func (cli *CLI) logger() logging.Logger {
	if cli.debug {
		obs := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text", Output: os.Stderr})
		return logging.FromObservabilityWithComponent(obs, "cli")
	}
	if cli.verbose {
		obs := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text", Output: os.Stderr})
		return logging.FromObservabilityWithComponent(obs, "cli")
	}
	return logging.Nop()
}

func (cli *CLI) loadPolicy() (*policy.Policy, error) {
	path := cli.policyPath
	// An explicit flag wins; otherwise RUDDER_POLICY or the config file
	// can point at the policy document.
	if path == "policy.yaml" {
		if v := viper.GetString("policy"); v != "" {
			path = v
		}
	}
	return policy.Load(path)
}

// newValidateCommand creates the validate subcommand
func newValidateCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := cli.loadPolicy()
			if err != nil {
				if verr, ok := asValidation(err); ok {
					fmt.Println(red(fmt.Sprintf("policy invalid: %d violation(s)", len(verr.Violations))))
					for _, v := range verr.Violations {
						fmt.Printf("  %s %s\n", red("✗"), v)
					}
					return fmt.Errorf("validation failed")
				}
				return err
			}

			fmt.Println(StyleOK(fmt.Sprintf("policy ok: %d targets, %d rules, %d experiments",
				len(pol.Targets), len(pol.Rules), len(pol.Experiments))))
			if cli.verbose {
				for _, rule := range pol.SortedRules() {
					fmt.Printf("  %s %s %s\n", cyan(rule.ID), gray(fmt.Sprintf("(priority %d)", rule.Priority)), rule.Condition)
				}
			}
			return nil
		},
	}
}

// newRouteCommand creates the route subcommand
func newRouteCommand(cli *CLI) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "route [context-json]",
		Short: "Make a one-shot routing decision",
		Long: `Evaluates the policy against a request context given as a JSON object,
either as an argument or on stdin, and prints the decision.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) > 0 {
				raw = args[0]
			} else if !isTTY() {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				raw = strings.TrimSpace(string(data))
			}
			if raw == "" {
				return fmt.Errorf("no request context given (argument or stdin)")
			}

			var reqCtx map[string]any
			if err := json.Unmarshal([]byte(raw), &reqCtx); err != nil {
				return fmt.Errorf("invalid context JSON: %w", err)
			}

			pol, err := cli.loadPolicy()
			if err != nil {
				return err
			}

			eng, err := buildEngine(pol, cli.logger(), nil, nil)
			if err != nil {
				return err
			}

			decision, err := eng.router.Route(cmd.Context(), router.Request{
				Context:   reqCtx,
				SessionID: sessionID,
			})
			if err != nil {
				return err
			}

			if cli.jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(decision)
			}

			fmt.Printf("%s %s\n", bold("target:"), green(decision.Target))
			fmt.Printf("%s %s\n", bold("reason:"), string(decision.Reason))
			if decision.Rule != "" {
				fmt.Printf("%s %s\n", bold("rule:"), decision.Rule)
			}
			if decision.Confidence != nil {
				conf := fmt.Sprintf("%.2f", *decision.Confidence)
				if decision.LowConfidence {
					conf += yellow(" (low)")
				}
				fmt.Printf("%s %s\n", bold("confidence:"), conf)
			}
			if decision.Experiment != "" {
				fmt.Printf("%s %s\n", bold("experiment:"), cyan(decision.Experiment))
			}
			fmt.Printf("%s %s\n", bold("elapsed:"), gray(decision.Elapsed.String()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID for stickiness and bucketing")
	return cmd
}

// newServeCommand creates the serve subcommand
func newServeCommand(cli *CLI) *cobra.Command {
	var host string
	var port int
	var obsConfigPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing engine as an HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := cli.loadPolicy()
			if err != nil {
				return err
			}

			obsConfig, err := observability.LoadConfig(obsConfigPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, yellow(fmt.Sprintf("observability config: %v, using defaults", err)))
			}
			if cli.debug {
				obsConfig.Logging.Level = "debug"
			}

			obsLogger := observability.NewLogger(observability.LogConfig{
				Level:  obsConfig.Logging.Level,
				Format: obsConfig.Logging.Format,
				Output: os.Stderr,
			})
			logger := logging.FromObservabilityWithComponent(obsLogger, "rudder")

			metrics, err := observability.NewMetricsCollector(obsConfig.Metrics)
			if err != nil {
				return fmt.Errorf("failed to initialize metrics: %w", err)
			}

			tracer, err := observability.NewTracerProvider(obsConfig.Tracing)
			if err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}

			broadcaster := events.NewBroadcaster(64)
			emitter := events.Multi(metrics, broadcaster, events.NewLogEmitter(logger))

			eng, err := buildEngine(pol, logger, emitter, tracer)
			if err != nil {
				return err
			}
			if err := metrics.ObserveSessions(eng.tracker.Len); err != nil {
				logger.Warn("session gauge registration: %v", err)
			}

			sup := supervisor.New(eng.router, supervisorThresholds(),
				supervisor.WithLogger(logging.FromObservabilityWithComponent(obsLogger, "supervisor")))

			serverConfig := httpapi.DefaultServerConfig()
			serverConfig.Host = host
			serverConfig.Port = port
			serverConfig.Debug = cli.debug

			server := httpapi.NewServer(eng.router, eng.policies, eng.tracker, sup, broadcaster, serverConfig, logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			fmt.Println(StyleOK(fmt.Sprintf("rudder %s serving on %s:%d (%d targets, %d rules)",
				version, host, port, len(pol.Targets), len(pol.Rules))))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				fmt.Println(gray(fmt.Sprintf("received %s, shutting down", sig)))
			}

			shutdownErr := server.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metrics.Shutdown(ctx); err != nil {
				logger.Warn("metrics shutdown: %v", err)
			}
			if err := tracer.Shutdown(ctx); err != nil {
				logger.Warn("tracer shutdown: %v", err)
			}

			return shutdownErr
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "Listen host")
	cmd.Flags().IntVar(&port, "port", 8080, "Listen port")
	cmd.Flags().StringVar(&obsConfigPath, "observability-config", "", "Observability config file")
	return cmd
}

// supervisorThresholds reads work-review thresholds from the config file /
// RUDDER_SUPERVISOR_* environment. Unset keys leave the check disabled.
func supervisorThresholds() supervisor.Thresholds {
	return supervisor.Thresholds{
		MaxIterations:  viper.GetInt("supervisor.max_iterations"),
		MaxElapsed:     viper.GetDuration("supervisor.max_elapsed"),
		MinConfidence:  viper.GetFloat64("supervisor.min_confidence"),
		WatchSentiment: viper.GetBool("supervisor.watch_sentiment"),
	}
}

// newBreakersCommand creates the breakers subcommand
func newBreakersCommand(cli *CLI) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker states of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://%s/v1/breakers", addr))
			if err != nil {
				return fmt.Errorf("failed to reach %s: %w", addr, err)
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}

			if cli.jsonOutput {
				fmt.Println(string(body))
				return nil
			}

			var envelope struct {
				Data struct {
					Breakers []struct {
						Target         string    `json:"target"`
						State          string    `json:"state"`
						FailureCount   int       `json:"failure_count"`
						OpenedAt       time.Time `json:"opened_at"`
						TrialsInFlight int       `json:"trials_in_flight"`
					} `json:"breakers"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &envelope); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}

			if len(envelope.Data.Breakers) == 0 {
				fmt.Println(gray("no breakers recorded yet"))
				return nil
			}

			for _, b := range envelope.Data.Breakers {
				state := b.State
				switch state {
				case "closed":
					state = green(state)
				case "half_open":
					state = yellow(state)
				case "open":
					state = red(state)
				}
				line := fmt.Sprintf("%-24s %s", b.Target, state)
				if b.FailureCount > 0 {
					line += gray(fmt.Sprintf("  failures=%d", b.FailureCount))
				}
				if !b.OpenedAt.IsZero() {
					line += gray(fmt.Sprintf("  opened=%s ago", time.Since(b.OpenedAt).Round(time.Second)))
				}
				if b.TrialsInFlight > 0 {
					line += gray(fmt.Sprintf("  trials=%d", b.TrialsInFlight))
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Address of a running rudder instance")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rudder %s\n", version)
		},
	}
}

func asValidation(err error) (*rerrors.PolicyValidation, bool) {
	var verr *rerrors.PolicyValidation
	if stderrors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
