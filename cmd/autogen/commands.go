package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/app"
	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
	"github.com/alexfaker/autoGenVideo/internal/orchestrator"
)

type cmdEnv struct {
	app    *app.App
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (e *cmdEnv) account(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if e.app.Config.DefaultAccount != "" {
		return e.app.Config.DefaultAccount
	}
	return "default"
}

func (e *cmdEnv) printJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (e *cmdEnv) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

type command func(ctx context.Context, env *cmdEnv, args []string) error

var commands = map[string]command{
	"send-code": sendCodeCmd,
	"login":     loginCmd,
	"logout":    logoutCmd,
	"submit":    submitCmd,
	"batch":     batchCmd,
	"check":     checkCmd,
	"monitor":   monitorCmd,
	"status":    statusCmd,
}

func sendCodeCmd(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("send-code")
	account := fs.String("account", "", "account id (defaults to DEFAULT_ACCOUNT)")
	phone := fs.String("phone", "", "phone number to text")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *phone == "" {
		return errors.New("-phone is required")
	}
	if err := env.app.Orchestrator.SendCode(ctx, env.account(*account), *phone); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "login code sent")
	return nil
}

func loginCmd(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("login")
	account := fs.String("account", "", "account id (defaults to DEFAULT_ACCOUNT)")
	phone := fs.String("phone", "", "phone number")
	code := fs.String("code", "", "SMS code; when empty a code is sent and read from stdin")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *phone == "" {
		return errors.New("-phone is required")
	}
	acct := env.account(*account)
	if *code == "" {
		if err := env.app.Orchestrator.SendCode(ctx, acct, *phone); err != nil {
			return err
		}
		fmt.Fprint(env.stdout, "code: ")
		line, err := bufio.NewReader(env.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read code: %w", err)
		}
		*code = strings.TrimSpace(line)
		if *code == "" {
			return errors.New("no code entered")
		}
	}
	cred, err := env.app.Orchestrator.Login(ctx, acct, *phone, *code)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "logged in as %s until %s\n", acct, cred.ExpiresAt.Format(time.RFC3339))
	return nil
}

func logoutCmd(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("logout")
	account := fs.String("account", "", "account id (defaults to DEFAULT_ACCOUNT)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	acct := env.account(*account)
	if err := env.app.Orchestrator.Logout(ctx, acct); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "logged out %s\n", acct)
	return nil
}

type settingsFlags struct {
	normal     *bool
	duration   *int
	resolution *string
	style      *string
	movement   *string
	samples    *int
}

func addSettingsFlags(fs *flag.FlagSet) settingsFlags {
	return settingsFlags{
		normal:     fs.Bool("normal", false, "submit at normal priority instead of the off-peak schedule"),
		duration:   fs.Int("duration", 0, "video duration in seconds (4, 5 or 8)"),
		resolution: fs.String("resolution", "", "360p, 720p or 1080p"),
		style:      fs.String("style", "", "visual style"),
		movement:   fs.String("movement", "", "movement amplitude"),
		samples:    fs.Int("samples", 0, "videos per job (1-4)"),
	}
}

// settings returns nil when no override was given so configured defaults apply.
func (f settingsFlags) settings(defaults jsoncfg.TaskSettings) *jsoncfg.TaskSettings {
	if *f.duration == 0 && *f.resolution == "" && *f.style == "" && *f.movement == "" && *f.samples == 0 {
		return nil
	}
	s := defaults
	if *f.duration != 0 {
		s.Duration = *f.duration
	}
	if *f.resolution != "" {
		s.Resolution = *f.resolution
	}
	if *f.style != "" {
		s.Style = *f.style
	}
	if *f.movement != "" {
		s.MovementAmplitude = *f.movement
	}
	if *f.samples != 0 {
		s.SampleCount = *f.samples
	}
	return &s
}

func (e *cmdEnv) defaultSettings() jsoncfg.TaskSettings {
	cfg := e.app.Config
	return jsoncfg.TaskSettings{Duration: cfg.VideoDuration, Resolution: cfg.VideoRes, ModelVersion: cfg.ModelVersion}
}

func submitCmd(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("submit")
	account := fs.String("account", "", "account id (defaults to DEFAULT_ACCOUNT)")
	image := fs.String("image", "", "path to the input image")
	text := fs.String("prompt", "", "prompt text")
	sf := addSettingsFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *image == "" || *text == "" {
		return errors.New("-image and -prompt are required")
	}
	job, err := env.app.Orchestrator.Submit(ctx, orchestrator.SubmitRequest{
		AccountID:  env.account(*account),
		ImagePath:  *image,
		Prompt:     *text,
		Settings:   sf.settings(env.defaultSettings()),
		NormalMode: *sf.normal,
	})
	if err != nil {
		return err
	}
	return env.printJSON(orchestrator.Summarize(job))
}

func batchCmd(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("batch")
	account := fs.String("account", "", "account id (defaults to DEFAULT_ACCOUNT)")
	dir := fs.String("dir", "", "image directory (defaults to INPUT_DIR)")
	prompts := fs.String("prompts", "", "prompt file, one prompt per line")
	sf := addSettingsFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *dir == "" {
		*dir = env.app.Config.InputDir
	}
	if *prompts == "" {
		return errors.New("-prompts is required")
	}
	res, err := env.app.Orchestrator.Batch(ctx, orchestrator.BatchRequest{
		AccountID:   env.account(*account),
		ImageDir:    *dir,
		PromptsFile: *prompts,
		Settings:    sf.settings(env.defaultSettings()),
		NormalMode:  *sf.normal,
	})
	if err != nil {
		return err
	}
	jobs := make([]orchestrator.JobSummary, 0, len(res.Jobs))
	for _, j := range res.Jobs {
		jobs = append(jobs, orchestrator.Summarize(j))
	}
	return env.printJSON(map[string]any{
		"jobs":     jobs,
		"skipped":  res.Skipped,
		"admitted": res.Admitted,
		"errors":   res.Errors,
	})
}

func checkCmd(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("check")
	nightly := fs.Bool("backlog", false, "also redrive failed jobs and fetch missing downloads")
	cleanup := fs.Bool("cleanup", false, "also purge old jobs and stale cache files")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	out := map[string]any{}
	if *nightly {
		b, err := env.app.Orchestrator.NightlySweep(ctx)
		if err != nil {
			return err
		}
		out["backlog"] = b
	} else {
		rep, err := env.app.Orchestrator.Sweep(ctx)
		out["sweep"] = rep
		if err != nil {
			return err
		}
	}
	if *cleanup {
		c, err := env.app.Orchestrator.Cleanup(ctx)
		if err != nil {
			return err
		}
		out["cleanup"] = c
	}
	out["status"] = env.app.Orchestrator.Report()
	return env.printJSON(out)
}

func monitorCmd(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("monitor")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return env.app.Monitor(ctx)
}

func statusCmd(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("status")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	accounts, err := env.app.Sessions.Accounts(ctx)
	if err != nil {
		return err
	}
	return env.printJSON(map[string]any{
		"status":   env.app.Orchestrator.Report(),
		"schedule": env.app.Scheduler.Entries(time.Now()),
		"accounts": accounts,
	})
}
