package config

// EnvPrefix is the envconfig prefix shared by every Mercato binary.
const EnvPrefix = "MERCATO"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv     = "MERCATO_APP_ENV"
	EnvPort       = "MERCATO_APP_PORT"
	EnvDBDSN      = "MERCATO_DB_DSN"
	EnvDBHost     = "MERCATO_DB_HOST"
	EnvDBUser     = "MERCATO_DB_USER"
	EnvDBName     = "MERCATO_DB_NAME"
	EnvRedisURL   = "MERCATO_REDIS_URL"
	EnvJWTSecret  = "MERCATO_JWT_SECRET"
	EnvJWTIssuer  = "MERCATO_JWT_ISSUER"
	EnvJWTExpMins = "MERCATO_JWT_EXPIRATION_MINUTES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
