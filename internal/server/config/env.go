package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// envFile is read into the process environment when present. Variables
// already set in the environment win.
var envFile = ".env"

// parseEnv overlays values from environment variables:
//
//	GRPC_ADDR, STORE_BACKEND, DATABASE_DSN, REDIS_ADDR, REDIS_PASSWORD, REDIS_DB,
//	JWT_KEY, JWT_ISSUER, JWT_AUDIENCE, JWT_ACCESS_TTL (duration or minutes),
//	JWT_REFRESH_TTL_DAYS, JWT_MAX_ACTIVE_SESSIONS, LOG_LEVEL, AUDIT_BUFFER_SIZE,
//	S3_ROOT_USER, S3_ROOT_PASSWORD, S3_BUCKET, S3_REGION, S3_BASE_ENDPOINT, S3_AUDIT_PREFIX
func parseEnv(c *Config) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	setString(&c.EndpointAddrGRPC, "GRPC_ADDR")
	setString(&c.StoreBackend, "STORE_BACKEND")
	setString(&c.DatabaseDSN, "DATABASE_DSN")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.SecretKey, "JWT_KEY")
	setString(&c.Issuer, "JWT_ISSUER")
	setString(&c.Audience, "JWT_AUDIENCE")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.S3RootUser, "S3_ROOT_USER")
	setString(&c.S3RootPassword, "S3_ROOT_PASSWORD")
	setString(&c.S3Bucket, "S3_BUCKET")
	setString(&c.S3Region, "S3_REGION")
	setString(&c.S3BaseEndpoint, "S3_BASE_ENDPOINT")
	setString(&c.S3AuditPrefix, "S3_AUDIT_PREFIX")

	if err := setInt(&c.RedisDB, "REDIS_DB"); err != nil {
		return err
	}
	if err := setInt(&c.RefreshTokenTTLDays, "JWT_REFRESH_TTL_DAYS"); err != nil {
		return err
	}
	if err := setInt(&c.MaxActiveSessionsPerUser, "JWT_MAX_ACTIVE_SESSIONS"); err != nil {
		return err
	}
	if err := setInt(&c.AuditBufferSize, "AUDIT_BUFFER_SIZE"); err != nil {
		return err
	}

	if v, ok := os.LookupEnv("JWT_ACCESS_TTL"); ok && v != "" {
		d, err := parseMinutesOrDuration(v)
		if err != nil {
			return err
		}
		c.AccessTokenValidityDuration = d
	}

	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.New(key + ": " + err.Error())
	}
	*dst = n
	return nil
}

// parseMinutesOrDuration accepts "15" (minutes) or a Go duration ("90s").
func parseMinutesOrDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	return time.ParseDuration(v)
}
