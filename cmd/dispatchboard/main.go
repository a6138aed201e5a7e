package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/btouchard/dispatchboard/internal/auth"
	"github.com/btouchard/dispatchboard/internal/config"
	"github.com/btouchard/dispatchboard/internal/dispatch"
	"github.com/btouchard/dispatchboard/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "check":
		cmdCheck(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "provision":
		cmdProvision(os.Args[2:])
	case "version":
		fmt.Printf("dispatchboard %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: dispatchboard <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve      Start the dispatch board server\n")
	fmt.Fprintf(os.Stderr, "  check      Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  token      Mint an actor token for an account\n")
	fmt.Fprintf(os.Stderr, "  provision  Seed teams, accounts and technicians from a YAML file\n")
	fmt.Fprintf(os.Stderr, "  version    Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting dispatchboard",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	_, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	accountID := fs.Int64("account", 0, "account id the token acts for")
	username := fs.String("username", "", "account username the token acts for")
	rotate := fs.Bool("rotate", false, "rotate the signing secret first, revoking every issued token")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("configuration error: %v", err)
	}

	secretDir := config.ExpandHome(cfg.Auth.SecretDir)
	if *rotate {
		if cfg.Auth.Secret != "" {
			fatalf("auth.secret is set in configuration; change it there instead of rotating")
		}
		if _, err := auth.RotateSecret(secretDir); err != nil {
			fatalf("rotating secret: %v", err)
		}
		fmt.Fprintln(os.Stderr, "signing secret rotated, previously issued tokens are revoked")
		if *accountID == 0 && *username == "" {
			return
		}
	}

	ctx := context.Background()
	id, err := resolveAccount(ctx, cfg, *accountID, *username)
	if err != nil {
		fatalf("%v", err)
	}

	secret, err := auth.SigningSecret(cfg.Auth.Secret, secretDir)
	if err != nil {
		fatalf("loading secret: %v", err)
	}
	token, exp, err := auth.NewTokens(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).Issue(id)
	if err != nil {
		fatalf("issuing token: %v", err)
	}
	fmt.Fprintf(os.Stderr, "token for account %d, expires %s\n", id, exp.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Println(token)
}

// resolveAccount checks that the target account exists so a token is
// never minted for nobody.
func resolveAccount(ctx context.Context, cfg *config.Config, id int64, username string) (int64, error) {
	if (id == 0) == (username == "") {
		return 0, errors.New("exactly one of -account or -username is required")
	}

	db, err := store.NewSQLiteStore(config.ExpandHome(cfg.Database.Path))
	if err != nil {
		return 0, fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var acct *dispatch.Account
	if username != "" {
		acct, err = db.GetAccountByUsername(ctx, username)
	} else {
		acct, err = db.GetAccount(ctx, id)
	}
	if err != nil {
		return 0, fmt.Errorf("looking up account: %w", err)
	}
	return acct.ID, nil
}

func cmdProvision(args []string) {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	file := fs.String("file", "fixtures.yaml", "YAML file describing teams and accounts")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("configuration error: %v", err)
	}

	fixtures, err := loadFixtures(*file)
	if err != nil {
		fatalf("%v", err)
	}

	db, err := store.NewSQLiteStore(config.ExpandHome(cfg.Database.Path))
	if err != nil {
		fatalf("opening database: %v", err)
	}
	defer func() { _ = db.Close() }()

	res, err := provision(context.Background(), db, fixtures)
	if err != nil {
		fatalf("provisioning: %v", err)
	}
	fmt.Printf("created %d teams, %d accounts, %d technicians\n", res.Teams, res.Accounts, res.Technicians)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(config.ExpandHome(cfg.Server.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}
