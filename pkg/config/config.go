// Package config maps viper keys onto the settings of each component.
package config

import (
	"strings"
	"time"

	"relay-farm/pkg/api"
	"relay-farm/pkg/database"
	"relay-farm/pkg/ipinfo"
	"relay-farm/pkg/node"
	"relay-farm/pkg/supervisor"

	"github.com/spf13/viper"
)

type Validator struct {
	URL     string
	Timeout time.Duration
}

type Config struct {
	AccountsFile            string
	ProxiesFile             string
	Database                database.Config
	ClaimRewardsOnly        bool
	QuarantineClearInterval time.Duration
	Validator               Validator
	Supervisor              supervisor.Config
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("accounts_file", "data/accounts.txt")
	v.SetDefault("proxies_file", "data/proxies.txt")
	v.SetDefault("database.driver", database.DriverSQLite)
	v.SetDefault("database.dsn", "file:data/proxies_stats.db?cache=shared")
	v.SetDefault("threads", 5)
	v.SetDefault("claim_rewards_only", false)
	v.SetDefault("quarantine_clear_interval", 0)
	v.SetDefault("min_proxy_score", 0)
	v.SetDefault("check_points", true)
	v.SetDefault("points_interval", 10*time.Minute)
	v.SetDefault("stop_on_forbidden", true)
	v.SetDefault("forbidden_cooldown", 20*time.Minute)

	v.SetDefault("node.checkin_url", node.DefaultCheckinURL)
	v.SetDefault("node.use_wss", true)
	v.SetDefault("node.ping_interval", node.DefaultPingInterval)
	v.SetDefault("node.request_timeout", 30*time.Second)
	v.SetDefault("node.max_response_size", node.DefaultMaxResponseSize)
	v.SetDefault("node.user_agent", "")
	v.SetDefault("node.version", node.DefaultVersion)
	v.SetDefault("node.extension_id", node.DefaultExtensionID)

	v.SetDefault("validator.url", ipinfo.DefaultURL)
	v.SetDefault("validator.timeout", 5*time.Second)

	v.SetDefault("api.base_url", api.DefaultBaseURL)
	v.SetDefault("backoff.initial", 5*time.Second)
	v.SetDefault("backoff.max", 5*time.Minute)
}

// EnvPrefix prefixes environment overrides, e.g. RELAYFARM_NODE_USE_WSS.
const EnvPrefix = "RELAYFARM"

// BindEnv lets environment variables override any key.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration out of v. Defaults must already be set.
func Load(v *viper.Viper) Config {
	return Config{
		AccountsFile: v.GetString("accounts_file"),
		ProxiesFile:  v.GetString("proxies_file"),
		Database: database.Config{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		ClaimRewardsOnly: v.GetBool("claim_rewards_only"),
		// configured in minutes
		QuarantineClearInterval: time.Duration(v.GetInt("quarantine_clear_interval")) * time.Minute,
		Validator: Validator{
			URL:     v.GetString("validator.url"),
			Timeout: v.GetDuration("validator.timeout"),
		},
		Supervisor: supervisor.Config{
			Node: node.Config{
				CheckinURL:      v.GetString("node.checkin_url"),
				UseWSS:          v.GetBool("node.use_wss"),
				Version:         v.GetString("node.version"),
				ExtensionID:     v.GetString("node.extension_id"),
				UserAgent:       v.GetString("node.user_agent"),
				PingInterval:    v.GetDuration("node.ping_interval"),
				RequestTimeout:  v.GetDuration("node.request_timeout"),
				MaxResponseSize: v.GetInt64("node.max_response_size"),
			},
			API: api.Config{
				BaseURL: v.GetString("api.base_url"),
			},
			Threads:           v.GetInt("threads"),
			MinProxyScore:     v.GetFloat64("min_proxy_score"),
			CheckPoints:       v.GetBool("check_points"),
			PointsInterval:    v.GetDuration("points_interval"),
			StopOnForbidden:   v.GetBool("stop_on_forbidden"),
			ForbiddenCooldown: v.GetDuration("forbidden_cooldown"),
			BackoffInitial:    v.GetDuration("backoff.initial"),
			BackoffMax:        v.GetDuration("backoff.max"),
		},
	}
}
