// File: main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relay-farm/pkg/config"
	"relay-farm/pkg/database"
	"relay-farm/pkg/loader"
	"relay-farm/pkg/proxy"
	"relay-farm/pkg/supervisor"
	"relay-farm/pkg/tester"
)

const statusInterval = 5 * time.Minute

var (
	debugFlag  bool
	configFile string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relay-farm",
	Short: "Keep relay node sessions alive for a set of accounts over a pool of proxies",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Seed the store from the account and proxy files and start mining",
	Long: `Seed the store from the account and proxy files, then run one relay
session per account. With claim_rewards_only set, claim referral rewards
instead and exit.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load(viper.GetViper())
		runAccounts(cfg, cfg.ClaimRewardsOnly)
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Log every account in and claim its referral rewards",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load(viper.GetViper())
		runAccounts(cfg, true)
	},
}

var checkProxiesCmd = &cobra.Command{
	Use:   "check-proxies",
	Short: "Validate every spare proxy and quarantine the ones that fail",
	Long: `Validate every spare proxy in the store and quarantine the ones that fail.

Every run or claim invocation empties the store and reseeds it from the
account and proxy files, so a quarantine set here is lost at the next start.
Use this command while a run is live against the same database to take
failing proxies out of its spare pool.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load(viper.GetViper())
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := initDB(ctx, cfg.Database)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		workers, _ := cmd.Flags().GetInt("workers")
		if workers <= 0 {
			workers = cfg.Supervisor.Threads
		}

		validator := proxy.NewValidator(cfg.Validator.URL, cfg.Validator.Timeout, logger)
		report, err := tester.CheckSpareProxies(ctx, db, validator, workers)
		if err != nil {
			logger.Error("Error checking proxies", "error", err)
			os.Exit(1)
		}
		logger.Info("Spare proxies checked", "checked", report.Checked, "good", report.Good, "quarantined", report.Quarantined)
	},
}

var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "Print the total points recorded in the store",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load(viper.GetViper())
		ctx := context.Background()

		db, err := initDB(ctx, cfg.Database)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		total, err := db.TotalPoints(ctx)
		if err != nil {
			logger.Error("Error reading points", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Total points: %.2f\n", total)
	},
}

func runAccounts(cfg config.Config, claimOnly bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accounts, err := loader.ReadAccounts(cfg.AccountsFile)
	if err != nil {
		logger.Error("Error reading accounts", "file", cfg.AccountsFile, "error", err)
		os.Exit(1)
	}
	if len(accounts) == 0 {
		logger.Error("No accounts found", "file", cfg.AccountsFile)
		os.Exit(1)
	}

	proxies, err := loader.ReadProxies(ctx, cfg.ProxiesFile)
	if err != nil {
		logger.Warn("Error reading proxies, continuing without", "file", cfg.ProxiesFile, "error", err)
	}

	db, err := initDB(ctx, cfg.Database)
	if err != nil {
		logger.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if _, err := loader.Seed(ctx, db, accounts, proxies, cfg.QuarantineClearInterval); err != nil {
		logger.Error("Error seeding store", "error", err)
		os.Exit(1)
	}

	validator := proxy.NewValidator(cfg.Validator.URL, cfg.Validator.Timeout, logger)
	sup := supervisor.New(cfg.Supervisor, db, validator, logger)

	if claimOnly {
		logger.Info("Claiming rewards", "accounts", len(accounts), "threads", cfg.Supervisor.Threads)
		err = sup.Claim(ctx, accounts)
	} else {
		logger.Info("Starting sessions", "accounts", len(accounts))
		go logStatus(ctx, sup)
		err = sup.Run(ctx, accounts)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Run aborted", "error", err)
		db.Close()
		os.Exit(1)
	}
	logger.Info("Done")
}

// logStatus periodically summarises account states.
func logStatus(ctx context.Context, sup *supervisor.Supervisor) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		counts := make(map[string]int)
		for _, st := range sup.Snapshot() {
			counts[st.State]++
			logger.Debug("Account status", "account", st.Email, "state", st.State,
				"restarts", st.Restarts, "points", st.Points, "lastError", st.LastError)
		}
		args := make([]any, 0, 2*len(counts))
		for state, n := range counts {
			args = append(args, state, n)
		}
		logger.Info("Account states", args...)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: config.yaml in ., $HOME/.relay-farm or /etc/relay-farm)")
	checkProxiesCmd.Flags().Int("workers", 0, "Concurrent proxy checks (default: threads)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(checkProxiesCmd)
	rootCmd.AddCommand(pointsCmd)
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.relay-farm")
		viper.AddConfigPath("/etc/relay-farm/")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func initDB(ctx context.Context, cfg database.Config) (*database.DB, error) {
	db, err := database.NewDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	err = db.InitSchema(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
