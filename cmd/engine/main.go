package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/cellarforge/engine/internal/exec/bridge"
	"github.com/cellarforge/engine/internal/exec/executor"
	"github.com/cellarforge/engine/internal/exec/logbuf"
	"github.com/cellarforge/engine/internal/exec/privilege"
	"github.com/cellarforge/engine/internal/exec/registry"
	"github.com/cellarforge/engine/internal/exec/spec"
	"github.com/cellarforge/engine/internal/exec/supervisor"
	"github.com/cellarforge/engine/internal/infrastructure/config"
	"github.com/cellarforge/engine/internal/infrastructure/monitoring"
	"github.com/cellarforge/engine/internal/logging"
)

func main() {
	mode := flag.String("mode", "streamed", "execution mode: captured, streamed, or interactive")
	elevate := flag.Bool("elevate", false, "run the command with elevated privileges")
	cfgPath := flag.String("config", "", "optional TOML config file")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: engine [flags] -- command [args...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	var cfg *config.Config
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadFile(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.LoadOrDefault()
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	reg := registry.New()
	sup := supervisor.New(reg, logger, supervisor.Options{
		PollInterval:     cfg.Engine.PollInterval,
		TerminationGrace: cfg.Engine.TerminationGrace,
	})

	queue := bridge.NewQueue(bridge.Options{
		PromptTimeout:     cfg.Engine.PromptTimeout,
		CredentialTimeout: cfg.Privilege.CredentialTimeout,
		Tick:              cfg.Engine.PromptTick,
	})
	go consoleConsumer(queue)

	metrics := monitoring.NewMetrics()
	broker := privilege.New(
		queue,
		privilege.SudoValidator(sup, cfg.Privilege.ValidationTimeout),
		logger,
		privilege.Options{
			RetryBudget: cfg.Privilege.RetryBudget,
			Attempts:    metrics.AuthAttempts,
		},
	)

	sink := logbuf.Tee{logbuf.NewBuffer(1000), logbuf.NewZapSink(logger)}
	runner := executor.New(sup, broker, queue, sink, logger, metrics, executor.Options{
		Engine: cfg.Engine,
	})

	runner.BeginOperation()
	defer runner.EndOperation()

	// Ctrl-C cancels the operation instead of orphaning children. A second
	// signal exits hard.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		runner.CancelCurrentOperation()
		<-sigs
		os.Exit(130)
	}()

	cs := spec.CommandSpec{
		Argv:              flag.Args(),
		Mode:              parseMode(*mode),
		RequiresElevation: *elevate,
	}

	var res spec.ExecutionResult
	if cs.Mode == spec.ModeStreamed {
		printLine := func(line string) { fmt.Println(line) }
		printProgress := func(v float64) { fmt.Printf("progress: %3.0f%%\n", v*100) }
		if runner.ExecuteStreamed(cs, printLine, printProgress) {
			return
		}
		os.Exit(1)
	}

	res = runner.Execute(cs)
	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if !res.Success {
		if res.ExitCode > 0 {
			os.Exit(res.ExitCode)
		}
		os.Exit(1)
	}
}

func parseMode(s string) spec.Mode {
	switch strings.ToLower(s) {
	case "captured":
		return spec.ModeCaptured
	case "interactive":
		return spec.ModeInteractive
	default:
		return spec.ModeStreamed
	}
}

// consoleConsumer answers bridge requests on the controlling terminal.
// Credential input is read without echo and never printed back.
func consoleConsumer(q *bridge.Queue) {
	stdin := bufio.NewReader(os.Stdin)
	for req := range q.Requests() {
		switch req.Kind {
		case bridge.RequestCredential:
			fmt.Fprint(os.Stderr, "[sudo] password: ")
			secret, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				req.Decline()
				continue
			}
			req.Answer(string(secret))
		case bridge.RequestPrompt:
			if req.Default != "" {
				fmt.Fprintf(os.Stderr, "%s [%s] ", req.Text, strings.TrimSpace(req.Default))
			} else {
				fmt.Fprintf(os.Stderr, "%s ", req.Text)
			}
			line, err := stdin.ReadString('\n')
			if err != nil {
				req.Decline()
				continue
			}
			req.Answer(line)
		}
	}
}
