package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/tokenkeeper/internal/flagx"
	"github.com/dmitrijs2005/tokenkeeper/internal/timex"
)

// JsonConfig is the on-disk shape of the JSON config file. Pointer fields
// distinguish "absent" from zero so a partial file only overrides what it names.
// Durations accept "15m" or integer nanoseconds (timex.Duration).
type JsonConfig struct {
	EndpointAddrGRPC            *string         `json:"endpoint_addr_grpc"`
	StoreBackend                *string         `json:"store_backend"`
	DatabaseDSN                 *string         `json:"database_dsn"`
	RedisAddr                   *string         `json:"redis_addr"`
	RedisPassword               *string         `json:"redis_password"`
	RedisDB                     *int            `json:"redis_db"`
	SecretKey                   *string         `json:"secret_key"`
	Issuer                      *string         `json:"issuer"`
	Audience                    *string         `json:"audience"`
	AccessTokenValidityDuration *timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenTTLDays         *int            `json:"refresh_token_ttl_days"`
	MaxActiveSessionsPerUser    *int            `json:"max_active_sessions_per_user"`
	LogLevel                    *string         `json:"log_level"`
	AuditBufferSize             *int            `json:"audit_buffer_size"`
	S3RootUser                  *string         `json:"s3_root_user"`
	S3RootPassword              *string         `json:"s3_root_password"`
	S3Bucket                    *string         `json:"s3_bucket"`
	S3Region                    *string         `json:"s3_region"`
	S3BaseEndpoint              *string         `json:"s3_base_endpoint"`
	S3AuditPrefix               *string         `json:"s3_audit_prefix"`
}

// parseJson overlays values from the file named by -c / -config in args.
// No flag means no file and no changes.
func parseJson(config *Config, args []string) error {
	jsonConfigFile := flagx.ConfigPathFromArgs(args)
	if jsonConfigFile == "" {
		return nil
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		return err
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return err
	}

	overlay(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	overlay(&config.StoreBackend, c.StoreBackend)
	overlay(&config.DatabaseDSN, c.DatabaseDSN)
	overlay(&config.RedisAddr, c.RedisAddr)
	overlay(&config.RedisPassword, c.RedisPassword)
	overlay(&config.RedisDB, c.RedisDB)
	overlay(&config.SecretKey, c.SecretKey)
	overlay(&config.Issuer, c.Issuer)
	overlay(&config.Audience, c.Audience)
	if c.AccessTokenValidityDuration != nil {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	overlay(&config.RefreshTokenTTLDays, c.RefreshTokenTTLDays)
	overlay(&config.MaxActiveSessionsPerUser, c.MaxActiveSessionsPerUser)
	overlay(&config.LogLevel, c.LogLevel)
	overlay(&config.AuditBufferSize, c.AuditBufferSize)
	overlay(&config.S3RootUser, c.S3RootUser)
	overlay(&config.S3RootPassword, c.S3RootPassword)
	overlay(&config.S3Bucket, c.S3Bucket)
	overlay(&config.S3Region, c.S3Region)
	overlay(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	overlay(&config.S3AuditPrefix, c.S3AuditPrefix)

	return nil
}

func overlay[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
