// Command chimp-controller dispatches CHiMP jobs for newly created images
// and records the predictions with the targeting service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/drblury/chimpflow"
	"github.com/drblury/chimpflow/internal/runtime/logging"
)

const usage = `usage: chimp-controller [-config file] [targeting_url targeting_subscription_url rabbitmq_url rabbitmq_channel]

Settings come from the config file, then CHIMP_* environment variables, then
the positional arguments.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code: 2 for bad input, 1 when the controller
// fails, 0 after a signal.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chimp-controller", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := chimpflow.LoadConfig(*configPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err := applyPositional(cfg, fs.Args()); err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return 2
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := logging.NewJSONServiceLogger(stdout, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := chimpflow.NewController(ctx, cfg, logger, chimpflow.ControllerDependencies{
		Hooks: chimpflow.LoggingHooks(logger),
	})
	if err != nil {
		logger.Error("Failed to start controller", err, stageFields(err))
		return 1
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Error("Failed to close controller", err, nil)
		}
	}()

	if cfg.MetricsEnabled {
		go func() {
			if err := chimpflow.ServeMetrics(ctx, cfg.MetricsPort, ctrl.Handler(), logger); err != nil {
				stop()
			}
		}()
	}

	logger.Info("Controller started", chimpflow.LogFields{"reply_queue": ctrl.ReplyQueue()})
	if err := ctrl.Run(ctx); err != nil {
		logger.Error("dispatcher failed", err, stageFields(err))
		return 1
	}
	logger.Info("Controller stopped", nil)
	return 0
}

func applyPositional(cfg *chimpflow.Config, args []string) error {
	switch len(args) {
	case 0:
		return nil
	case 4:
		cfg.TargetingURL = args[0]
		cfg.TargetingSubscriptionURL = args[1]
		cfg.RabbitMQURL = args[2]
		cfg.JobQueue = args[3]
		return nil
	default:
		return fmt.Errorf("expected 0 or 4 arguments, got %d", len(args))
	}
}

func stageFields(err error) chimpflow.LogFields {
	var fatal *chimpflow.FatalError
	if errors.As(err, &fatal) {
		return chimpflow.LogFields{"stage": string(fatal.Stage)}
	}
	return nil
}
