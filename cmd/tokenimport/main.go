// Command tokenimport stores a session token obtained outside the engine,
// for example copied from a browser session, as an account credential.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/alexfaker/autoGenVideo/internal/app"
	"github.com/alexfaker/autoGenVideo/internal/infra"
	"github.com/alexfaker/autoGenVideo/internal/infra/credentials"
)

func main() {
	_ = godotenv.Load()

	var (
		accountFlag string
		tokenFlag   string
		refreshFlag string
		ttlFlag     time.Duration
	)
	flag.StringVar(&accountFlag, "account", "", "account id (defaults to DEFAULT_ACCOUNT)")
	flag.StringVar(&tokenFlag, "token", "", "access token (fallbacks to AUTOGEN_TOKEN)")
	flag.StringVar(&refreshFlag, "refresh", "", "refresh token, if any")
	flag.DurationVar(&ttlFlag, "ttl", 0, "lifetime when the token carries no expiry (defaults to SESSION_TIMEOUT)")
	flag.Parse()

	token := strings.TrimSpace(tokenFlag)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("AUTOGEN_TOKEN"))
	}
	if token == "" {
		exitWithError(fmt.Errorf("token is required via -token or AUTOGEN_TOKEN"))
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		exitWithError(err)
	}
	account := strings.TrimSpace(accountFlag)
	if account == "" {
		account = cfg.DefaultAccount
	}
	if account == "" {
		exitWithError(fmt.Errorf("account is required via -account or DEFAULT_ACCOUNT"))
	}
	ttl := ttlFlag
	if ttl <= 0 {
		ttl = cfg.SessionTimeout
	}

	logger := infra.NewLogger("cli").With().Str("cmd", "tokenimport").Str("account", account).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engine, err := app.New(ctx, cfg, logger, app.Overrides{})
	if err != nil {
		exitWithError(fmt.Errorf("open engine: %w", err))
	}
	defer engine.Close()

	cred := credentials.NewCredential(account, token, strings.TrimSpace(refreshFlag), time.Now(), ttl)
	if !cred.Valid(time.Now()) {
		engine.Close()
		exitWithError(fmt.Errorf("token already expired at %s", cred.ExpiresAt.Format(time.RFC3339)))
	}
	if err := engine.Sessions.Put(ctx, cred); err != nil {
		engine.Close()
		exitWithError(fmt.Errorf("failed to persist token: %w", err))
	}

	fmt.Printf("token stored for %s, valid until %s\n", account, cred.ExpiresAt.Format(time.RFC3339))
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "tokenimport: %v\n", err)
	os.Exit(1)
}
