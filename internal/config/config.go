package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// Placeholder key shipped in example .env files. Never valid in production.
const PlaceholderAPIKey = "CHANGE-ME"

type Settings struct {
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8080"`
	ServerURL    string `envconfig:"SERVER_URL" default:"http://localhost:8080"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/flowcloser.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/flowcloser.log"`

	// Global API key. Required for instance creation and bulk listing;
	// accepted everywhere an instance token is.
	APIKey string `envconfig:"API_KEY" default:""`

	// Instance lock
	LockTimeoutMS int `envconfig:"INSTANCE_LOCK_TIMEOUT_MS" default:"30000"`

	// Pairing grace periods (how long create/connect wait for a pairing code)
	CreatePairingWaitMS  int `envconfig:"CREATE_PAIRING_WAIT_MS" default:"5000"`
	ConnectPairingWaitMS int `envconfig:"CONNECT_PAIRING_WAIT_MS" default:"2000"`

	// Restart poll loop
	RestartTimeoutMS      int `envconfig:"RESTART_TIMEOUT_MS" default:"10000"`
	RestartPollIntervalMS int `envconfig:"RESTART_POLL_INTERVAL_MS" default:"500"`

	// Webhook delivery
	WebhookGlobalURL         string  `envconfig:"WEBHOOK_GLOBAL_URL" default:""`
	WebhookGlobalEnabled     bool    `envconfig:"WEBHOOK_GLOBAL_ENABLED" default:"false"`
	WebhookTimeoutMS         int     `envconfig:"WEBHOOK_REQUEST_TIMEOUT_MS" default:"30000"`
	RetryMaxAttempts         int     `envconfig:"WEBHOOK_RETRY_MAX_ATTEMPTS" default:"10"`
	RetryInitialDelaySeconds int     `envconfig:"WEBHOOK_RETRY_INITIAL_DELAY_SECONDS" default:"5"`
	RetryUseExponential      bool    `envconfig:"WEBHOOK_RETRY_USE_EXPONENTIAL_BACKOFF" default:"true"`
	RetryMaxDelaySeconds     int     `envconfig:"WEBHOOK_RETRY_MAX_DELAY_SECONDS" default:"300"`
	RetryJitterFactor        float64 `envconfig:"WEBHOOK_RETRY_JITTER_FACTOR" default:"0.2"`
	RetryNonRetryableCodes   []int   `envconfig:"WEBHOOK_RETRY_NON_RETRYABLE_STATUS_CODES" default:"400,401,403,404,422"`
	DeliveryWorkers          int     `envconfig:"WEBHOOK_DELIVERY_WORKERS" default:"32"`

	// Janitor: remove instances stuck disconnected for longer than this.
	// Zero disables the janitor.
	DelInstanceMinutes int    `envconfig:"DEL_INSTANCE_MINUTES" default:"0"`
	JanitorSchedule    string `envconfig:"JANITOR_SCHEDULE" default:"*/5 * * * *"`

	// Chat-support bridge
	ChatSupportEnabled bool `envconfig:"CHAT_SUPPORT_ENABLED" default:"false"`

	// Channel adapters
	GatewayURL  string `envconfig:"CHANNEL_GATEWAY_URL" default:""`
	CloudAPIURL string `envconfig:"CHANNEL_CLOUD_API_URL" default:""`

	// Proxy live-test target
	ProxyCheckURL string `envconfig:"PROXY_CHECK_URL" default:"https://api.ipify.org"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("FLOWCLOSER", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.APIKey == "" || Cfg.APIKey == PlaceholderAPIKey {
		log.Printf("WARNING: FLOWCLOSER_API_KEY is unset or still the placeholder; every admin operation will be rejected")
	}
}
