// Command autogen drives the image-to-video job engine: login, job
// submission, one-shot checks and the long-running monitor.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/alexfaker/autoGenVideo/internal/app"
	"github.com/alexfaker/autoGenVideo/internal/infra"
)

const usage = `usage: autogen <command> [flags]

commands:
  send-code  text a login code to a phone number
  login      exchange an SMS code for a session
  logout     end the session of an account
  submit     queue one image with a prompt
  batch      queue every image in a directory with prompts from a file
  check      poll pending jobs once and admit queued ones
  monitor    run the scheduler and the status API until interrupted
  status     print the engine status
`

var errUsage = errors.New("invalid usage")

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "autogen: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	logFile, err := openRunLog(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := infra.NewLogger(cfg.AppEnv, logFile).With().Str("cmd", args[0]).Logger()

	engine, err := app.New(ctx, cfg, logger, app.Overrides{})
	if err != nil {
		return err
	}
	defer engine.Close()

	env := &cmdEnv{app: engine, stdin: stdin, stdout: stdout, stderr: stderr}
	return cmd(ctx, env, args[1:])
}

func openRunLog(cfg *infra.Config) (*os.File, error) {
	dir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "autogen.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return f, nil
}
