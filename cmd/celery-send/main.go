package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	celery "github.com/glimte/celery-go"
	"github.com/glimte/celery-go/broker"
	"github.com/glimte/celery-go/config"
	"github.com/glimte/celery-go/health"
	"github.com/glimte/celery-go/internal/telemetry"
	"github.com/glimte/celery-go/message"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logFormat  string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:          "celery-send",
		Short:        "Send tasks to Celery workers",
		Long:         "celery-send declares Celery topology and publishes tasks to RabbitMQ or Redis brokers.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a celery.yaml config file")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newSendCmd(&flags),
		newDeclareCmd(&flags),
		newHealthCmd(&flags),
	)
	return rootCmd
}

func newLogger(flags *globalFlags, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if flags.logFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// withClient loads config, sets up tracing and runs fn with a started client.
func withClient(cmd *cobra.Command, flags *globalFlags, fn func(context.Context, *celery.Client) error) error {
	ctx := cmd.Context()
	logger := newLogger(flags, cmd.ErrOrStderr())

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	client, err := celery.NewClient(ctx, cfg, celery.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close client", "error", err)
		}
	}()

	return fn(ctx, client)
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	var (
		argsJSON   string
		kwargsJSON string
		queue      string
		exchange   string
		routingKey string
		taskID     string
		countdown  time.Duration
		expires    time.Duration
		declare    bool
	)

	cmd := &cobra.Command{
		Use:   "send TASK",
		Short: "Publish one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args, kwargs, err := parseArguments(argsJSON, kwargsJSON)
			if err != nil {
				return err
			}

			var opts []celery.TaskOption
			if queue != "" {
				opts = append(opts, celery.WithQueue(queue))
			}
			if exchange != "" {
				opts = append(opts, celery.WithExchange(exchange))
			}
			if routingKey != "" {
				opts = append(opts, celery.WithRoutingKey(routingKey))
			}
			if taskID != "" {
				opts = append(opts, celery.WithTaskID(taskID))
			}
			if countdown > 0 {
				opts = append(opts, celery.WithCountdown(countdown))
			}
			if expires > 0 {
				opts = append(opts, celery.WithExpires(time.Now().Add(expires)))
			}

			return withClient(cmd, flags, func(ctx context.Context, client *celery.Client) error {
				if declare {
					if err := client.DeclareDefaults(ctx); err != nil {
						return fmt.Errorf("failed to declare topology: %w", err)
					}
				}
				id, err := client.Send(ctx, positional[0], args, kwargs, opts...)
				if err != nil {
					return fmt.Errorf("failed to send task: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&argsJSON, "args", "a", "[]", "Positional arguments as a JSON array")
	cmd.Flags().StringVarP(&kwargsJSON, "kwargs", "k", "{}", "Keyword arguments as a JSON object")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Target queue (exchange and routing key named after it)")
	cmd.Flags().StringVar(&exchange, "exchange", "", "Target exchange")
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "Routing key")
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id (random UUID by default)")
	cmd.Flags().DurationVar(&countdown, "countdown", 0, "Delay before the task may run")
	cmd.Flags().DurationVar(&expires, "expires", 0, "Discard the task if not started within this duration")
	cmd.Flags().BoolVar(&declare, "declare", false, "Declare the default exchange and queue first")
	return cmd
}

func parseArguments(argsJSON, kwargsJSON string) (message.Args, message.KwArgs, error) {
	av, err := message.DecodeJSON([]byte(argsJSON))
	if err != nil || av.Kind() != message.KindList {
		return nil, nil, fmt.Errorf("--args must be a JSON array: %q", argsJSON)
	}
	kv, err := message.DecodeJSON([]byte(kwargsJSON))
	if err != nil || kv.Kind() != message.KindMap {
		return nil, nil, fmt.Errorf("--kwargs must be a JSON object: %q", kwargsJSON)
	}
	return message.Args(av.Items()), message.KwArgs(kv.Fields()), nil
}

func newDeclareCmd(flags *globalFlags) *cobra.Command {
	var (
		queue      string
		exchange   string
		routingKey string
		transient  bool
	)

	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare an exchange, a queue and their binding",
		Long:  "Declare the configured default exchange and queue, or the ones given by flags.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, flags, func(ctx context.Context, client *celery.Client) error {
				cfg := client.Config()
				spec := broker.QueueSpec{
					Name:            firstNonEmpty(queue, cfg.DefaultQueue),
					Durable:         !transient,
					DeclareExchange: true,
					Exchange:        firstNonEmpty(exchange, cfg.DefaultExchange),
					RoutingKey:      firstNonEmpty(routingKey, cfg.DefaultRoutingKey),
				}
				if err := client.CreateQueue(ctx, spec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "declared queue %s bound to %s with %s\n", spec.Name, spec.Exchange, spec.RoutingKey)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue name")
	cmd.Flags().StringVar(&exchange, "exchange", "", "Exchange name")
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "Binding routing key")
	cmd.Flags().BoolVar(&transient, "transient", false, "Declare non-durable exchange and queue")
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check pool and broker health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, flags, func(ctx context.Context, client *celery.Client) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				cfg := client.Config()
				overall := health.Run(ctx,
					health.NewPoolChecker(client.Pool()),
					health.NewBrokerChecker(client, cfg.DefaultExchange, cfg.DefaultExchangeType),
				)

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(overall); err != nil {
					return err
				}
				if overall.Status == health.StatusUnhealthy {
					return fmt.Errorf("broker is %s", overall.Status)
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Overall check timeout")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
