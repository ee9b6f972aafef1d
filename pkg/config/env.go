package config

// EnvPrefix is empty because every tag above is already fully qualified.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv    = "ALLOCATOR_APP_ENV"
	EnvPort      = "ALLOCATOR_APP_PORT"
	EnvLogLevel  = "ALLOCATOR_LOG_LEVEL"
	EnvDBDSN     = "ALLOCATOR_DB_DSN"
	EnvDBHost    = "ALLOCATOR_DB_HOST"
	EnvDBUser    = "ALLOCATOR_DB_USER"
	EnvDBName    = "ALLOCATOR_DB_NAME"
	EnvUseSQLite = "ALLOCATOR_USE_SQLITE"
	EnvRedisURL  = "ALLOCATOR_REDIS_URL"
	EnvJWTSecret = "ALLOCATOR_JWT_SECRET"
	EnvJWTIssuer = "ALLOCATOR_JWT_ISSUER"

	EnvTokenCodeLength = "ALLOCATOR_TOKEN_CODE_LENGTH"
	EnvTokenExpireDays = "ALLOCATOR_TOKEN_EXPIRE_DAYS"
	EnvTokenPrice      = "ALLOCATOR_TOKEN_PRICE"
	EnvSignInTimezone  = "ALLOCATOR_SIGNIN_TIMEZONE"
	EnvClaimAttempts   = "ALLOCATOR_CLAIM_MAX_ATTEMPTS"
	EnvAdminIDs        = "ALLOCATOR_ADMIN_IDS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
