package internal

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RunAddress           = "RUN_ADDRESS"
	DatabaseURI          = "DATABASE_URI"
	PaymentProvider      = "PAYMENT_PROVIDER"
	GatewayURL           = "GATEWAY_URL"
	GatewayUsername      = "GATEWAY_USERNAME"
	GatewayPassword      = "GATEWAY_PASSWORD"
	GatewayChannelID     = "GATEWAY_CHANNEL_ID"
	DarajaConsumerKey    = "DARAJA_CONSUMER_KEY"
	DarajaConsumerSecret = "DARAJA_CONSUMER_SECRET"
	DarajaShortCode      = "DARAJA_SHORT_CODE"
	DarajaPasskey        = "DARAJA_PASSKEY"
	CallbackURL          = "CALLBACK_URL"
	CallbackSecret       = "CALLBACK_SECRET"
	JWTSecret            = "JWT_SECRET"
	GatewayTimeout       = "GATEWAY_TIMEOUT"
	KafkaBrokers         = "KAFKA_BROKERS"
	KafkaTopic           = "KAFKA_TOPIC"
	OutboxInterval       = "OUTBOX_INTERVAL"
	ReconcileOnPoll      = "RECONCILE_ON_POLL"
	SweepInterval        = "SWEEP_INTERVAL"
	SweepAge             = "SWEEP_AGE"
)

const (
	ProviderPayHero = "payhero"
	ProviderDaraja  = "daraja"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultProvider       = ProviderPayHero
	defaultPayHeroURL     = "https://backend.payhero.co.ke"
	defaultDarajaURL      = "https://sandbox.safaricom.co.ke"
	defaultGatewayTimeout = 8 * time.Second
	defaultKafkaTopic     = "payments"
	defaultOutboxInterval = 5 * time.Second
	defaultSweepInterval  = 30 * time.Second
	defaultSweepAge       = time.Minute
)

const (
	host     = "localhost"
	port     = 5432
	user     = "postgres"
	password = "postgres"
)

type Config struct {
	RunAddress  string
	DatabaseURI string

	Provider       string
	GatewayURL     string
	Username       string
	Password       string
	ChannelID      string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	CallbackSecret string
	GatewayTimeout time.Duration

	JWTSecret string

	KafkaBrokers    []string
	KafkaTopic      string
	OutboxInterval  time.Duration
	ReconcileOnPoll bool
	SweepInterval   time.Duration
	SweepAge        time.Duration
}

// NewConfig reads .env (when present), the environment and the command line,
// in increasing order of precedence.
func NewConfig() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	return parseConfig(flag.CommandLine, os.Args[1:])
}

// loadEnvFile loads .env (or the given files) into the environment. Missing
// files are fine, unreadable or malformed ones are not.
func loadEnvFile(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func parseConfig(fs *flag.FlagSet, args []string) (*Config, error) {
	c := new(Config)

	defaultConn := fmt.Sprintf("host=%s port=%d user=%s "+
		"password=%s sslmode=disable dbname=paymart",
		host, port, user, password)

	var brokers string

	fs.StringVar(&c.RunAddress, "a", setEnvOrDefault(RunAddress, defaultRunAddress), "host to listen on")
	fs.StringVar(&c.DatabaseURI, "d", setEnvOrDefault(DatabaseURI, defaultConn), "postgres connection path")
	fs.StringVar(&c.Provider, "p", setEnvOrDefault(PaymentProvider, defaultProvider), "payment provider: payhero or daraja")
	fs.StringVar(&c.GatewayURL, "g", setEnvOrDefault(GatewayURL, ""), "payment provider base url")
	fs.StringVar(&c.Username, "gateway-username", setEnvOrDefault(GatewayUsername, ""), "payhero api username")
	fs.StringVar(&c.Password, "gateway-password", setEnvOrDefault(GatewayPassword, ""), "payhero api password")
	fs.StringVar(&c.ChannelID, "channel", setEnvOrDefault(GatewayChannelID, ""), "payhero payment channel id")
	fs.StringVar(&c.ConsumerKey, "consumer-key", setEnvOrDefault(DarajaConsumerKey, ""), "daraja consumer key")
	fs.StringVar(&c.ConsumerSecret, "consumer-secret", setEnvOrDefault(DarajaConsumerSecret, ""), "daraja consumer secret")
	fs.StringVar(&c.ShortCode, "short-code", setEnvOrDefault(DarajaShortCode, ""), "daraja business short code")
	fs.StringVar(&c.Passkey, "passkey", setEnvOrDefault(DarajaPasskey, ""), "daraja lipa na mpesa passkey")
	fs.StringVar(&c.CallbackURL, "c", setEnvOrDefault(CallbackURL, ""), "public url of POST /payment/callback")
	fs.StringVar(&c.CallbackSecret, "callback-secret", setEnvOrDefault(CallbackSecret, ""), "shared secret expected in the callback token query parameter")
	fs.DurationVar(&c.GatewayTimeout, "t", durationEnvOrDefault(GatewayTimeout, defaultGatewayTimeout), "payment provider request timeout")
	fs.StringVar(&c.JWTSecret, "jwt-secret", setEnvOrDefault(JWTSecret, ""), "secret the storefront signs auth tokens with")
	fs.StringVar(&brokers, "k", setEnvOrDefault(KafkaBrokers, ""), "comma separated kafka brokers for payment events")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", setEnvOrDefault(KafkaTopic, defaultKafkaTopic), "kafka topic for payment events")
	fs.DurationVar(&c.OutboxInterval, "outbox-interval", durationEnvOrDefault(OutboxInterval, defaultOutboxInterval), "outbox relay poll interval")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", durationEnvOrDefault(SweepInterval, defaultSweepInterval), "how often unsettled checkouts are queried, 0 disables")
	fs.DurationVar(&c.SweepAge, "sweep-age", durationEnvOrDefault(SweepAge, defaultSweepAge), "how long a checkout waits for its callback before it is queried")
	fs.BoolVar(&c.ReconcileOnPoll, "reconcile-on-poll", boolEnvOrDefault(ReconcileOnPoll, false), "settle orders from status polls")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c.KafkaBrokers = splitList(brokers)
	if c.GatewayURL == "" {
		c.GatewayURL = defaultPayHeroURL
		if c.Provider == ProviderDaraja {
			c.GatewayURL = defaultDarajaURL
		}
	}
	c.GatewayURL = strings.TrimRight(c.GatewayURL, "/")

	return c, c.Validate()
}

func (c *Config) Validate() error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	switch c.Provider {
	case ProviderPayHero:
		require(GatewayUsername, c.Username)
		require(GatewayPassword, c.Password)
		require(GatewayChannelID, c.ChannelID)
	case ProviderDaraja:
		require(DarajaConsumerKey, c.ConsumerKey)
		require(DarajaConsumerSecret, c.ConsumerSecret)
		require(DarajaShortCode, c.ShortCode)
		require(DarajaPasskey, c.Passkey)
	default:
		return fmt.Errorf("unknown payment provider %q", c.Provider)
	}
	require(CallbackURL, c.CallbackURL)
	require(CallbackSecret, c.CallbackSecret)
	require(JWTSecret, c.JWTSecret)

	if len(missing) > 0 {
		return errors.New("missing configuration: " + strings.Join(missing, ", "))
	}
	if _, err := strconv.Atoi(c.ChannelID); c.Provider == ProviderPayHero && err != nil {
		return fmt.Errorf("%s must be numeric", GatewayChannelID)
	}
	if c.GatewayTimeout <= 0 {
		return errors.New("gateway timeout must be positive")
	}
	if c.SweepInterval < 0 || c.SweepAge < 0 {
		return errors.New("sweep interval and age must not be negative")
	}
	return nil
}

// CallbackEndpoint is the url handed to the provider, carrying the shared secret.
func (c *Config) CallbackEndpoint() string {
	sep := "?"
	if strings.Contains(c.CallbackURL, "?") {
		sep = "&"
	}
	return c.CallbackURL + sep + "token=" + url.QueryEscape(c.CallbackSecret)
}

func setEnvOrDefault(env, def string) string {
	res, e := os.LookupEnv(env)
	if !e {
		res = def
	}
	return res
}

func durationEnvOrDefault(env string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(setEnvOrDefault(env, "")); err == nil {
		return d
	}
	return def
}

func boolEnvOrDefault(env string, def bool) bool {
	if b, err := strconv.ParseBool(setEnvOrDefault(env, "")); err == nil {
		return b
	}
	return def
}

func splitList(s string) []string {
	var res []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}
