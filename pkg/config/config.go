package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Tokens       TokensConfig
	Score        ScoreConfig
	Claims       ClaimsConfig
	Provisioner  ProvisionerConfig
	Accounts     AccountsConfig
	Password     PasswordConfig
	Pending      PendingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if _, err := cfg.Score.Location(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"ALLOCATOR_APP_ENV" required:"true"`
	Port         string `envconfig:"ALLOCATOR_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"ALLOCATOR_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"ALLOCATOR_LOG_WARN_STACK" default:"false"`
	// Comma separated browser origins allowed to call the API.
	CORSOrigins string `envconfig:"ALLOCATOR_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev) || strings.EqualFold(a.Env, "development")
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type DBConfig struct {
	DSN    string `envconfig:"ALLOCATOR_DB_DSN"`
	Driver string `envconfig:"ALLOCATOR_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"ALLOCATOR_DB_HOST"`
	Port     int    `envconfig:"ALLOCATOR_DB_PORT" default:"5432"`
	User     string `envconfig:"ALLOCATOR_DB_USER"`
	Password string `envconfig:"ALLOCATOR_DB_PASSWORD"`
	Name     string `envconfig:"ALLOCATOR_DB_NAME"`
	SSLMode  string `envconfig:"ALLOCATOR_DB_SSLMODE" default:"disable"`

	SQLitePath string `envconfig:"ALLOCATOR_SQLITE_PATH" default:"allocator.db"`

	MaxOpenConns    int           `envconfig:"ALLOCATOR_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"ALLOCATOR_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"ALLOCATOR_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ALLOCATOR_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ALLOCATOR_REDIS_URL" required:"true"`
	PoolSize     int           `envconfig:"ALLOCATOR_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"ALLOCATOR_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"ALLOCATOR_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ALLOCATOR_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ALLOCATOR_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"ALLOCATOR_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"ALLOCATOR_JWT_ISSUER" default:"allocator"`
	ExpirationMinutes int    `envconfig:"ALLOCATOR_JWT_EXPIRATION_MINUTES" default:"60"`
}

func (j JWTConfig) Expiration() time.Duration {
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"ALLOCATOR_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"ALLOCATOR_AUTO_MIGRATE" default:"false"`
}

type TokensConfig struct {
	CodeLength       int   `envconfig:"ALLOCATOR_TOKEN_CODE_LENGTH" default:"8"`
	ExpireDays       int   `envconfig:"ALLOCATOR_TOKEN_EXPIRE_DAYS" default:"7"`
	Price            int64 `envconfig:"ALLOCATOR_TOKEN_PRICE" default:"100"`
	SystemEnabled    bool  `envconfig:"ALLOCATOR_TOKEN_SYSTEM_ENABLED" default:"false"`
	IssueMaxAttempts int   `envconfig:"ALLOCATOR_TOKEN_ISSUE_MAX_ATTEMPTS" default:"5"`
	// Redeem attempts allowed per user inside RedeemWindow.
	RedeemLimit  int           `envconfig:"ALLOCATOR_TOKEN_REDEEM_LIMIT" default:"10"`
	RedeemWindow time.Duration `envconfig:"ALLOCATOR_TOKEN_REDEEM_WINDOW" default:"10m"`
}

type ScoreConfig struct {
	SignInMaxDelta int64  `envconfig:"ALLOCATOR_SIGNIN_MAX_DELTA" default:"10"`
	Timezone       string `envconfig:"ALLOCATOR_SIGNIN_TIMEZONE" default:"Asia/Shanghai"`
}

// Location resolves the calendar timezone used for daily sign-in.
func (s ScoreConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading sign-in timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

type ClaimsConfig struct {
	MaxAttempts int `envconfig:"ALLOCATOR_CLAIM_MAX_ATTEMPTS" default:"3"`
}

type ProvisionerConfig struct {
	BaseURL  string        `envconfig:"ALLOCATOR_PROVISIONER_URL"`
	Username string        `envconfig:"ALLOCATOR_PROVISIONER_USERNAME"`
	Password string        `envconfig:"ALLOCATOR_PROVISIONER_PASSWORD"`
	Timeout  time.Duration `envconfig:"ALLOCATOR_PROVISIONER_TIMEOUT" default:"10s"`
}

type AccountsConfig struct {
	// Comma separated user ids granted the admin role when tokens are minted.
	AdminIDs string `envconfig:"ALLOCATOR_ADMIN_IDS"`
	// Subscription length granted by an invite; 0 means no expiry.
	InitialDays int `envconfig:"ALLOCATOR_ACCOUNT_INITIAL_DAYS" default:"30"`
	SweepBatch  int `envconfig:"ALLOCATOR_ACCOUNT_SWEEP_BATCH" default:"100"`
}

// AdminIDSet parses AdminIDs, skipping blanks and malformed entries.
func (a AccountsConfig) AdminIDSet() map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, raw := range strings.Split(a.AdminIDs, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

// PasswordConfig tunes Argon2id for the media-server passwords stored locally.
type PasswordConfig struct {
	Length           int `envconfig:"ALLOCATOR_ACCOUNT_PASSWORD_LENGTH" default:"12"`
	ArgonMemoryKB    int `envconfig:"ALLOCATOR_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int `envconfig:"ALLOCATOR_ARGON_TIME" default:"3"`
	ArgonParallelism int `envconfig:"ALLOCATOR_ARGON_PARALLELISM" default:"2"`
	ArgonSaltLen     int `envconfig:"ALLOCATOR_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"ALLOCATOR_ARGON_KEY_LEN" default:"32"`
}

type PendingConfig struct {
	TTL time.Duration `envconfig:"ALLOCATOR_PENDING_ACTION_TTL" default:"5m"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"ALLOCATOR_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"ALLOCATOR_GCP_CREDENTIALS_JSON"`
	CredentialsFile string `envconfig:"ALLOCATOR_GCP_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"ALLOCATOR_PUBSUB_NOTIFICATION_TOPIC" default:"allocator-notifications"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"ALLOCATOR_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"ALLOCATOR_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"ALLOCATOR_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"ALLOCATOR_OUTBOX_RETENTION_DAYS" default:"14"`
}

type CronConfig struct {
	IntervalSeconds int `envconfig:"ALLOCATOR_CRON_INTERVAL_SECONDS" default:"300"`
}

func (c CronConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = db.SQLitePath
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range legacyDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
