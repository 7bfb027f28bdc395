package config

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/flagx"
)

var knownFlags = []string{
	"-a", "-k", "-d", "-R", "-s", "-iss", "-aud", "-t", "-r", "-m", "-l",
	"-u", "-p", "-b", "-g", "-e",
}

func osArgs() []string {
	return os.Args[1:]
}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-k string   store backend: postgres, redis or memory
//	-d string   PostgreSQL DSN
//	-R string   Redis address
//	-s string   JWT HMAC secret key
//	-iss string JWT issuer
//	-aud string JWT audience
//	-t int      access token validity, minutes
//	-r int      refresh token validity, days
//	-m int      max active sessions per user
//	-l string   log level
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 audit bucket (empty disables the archive)
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// args is filtered through flagx.FilterArgs first so foreign flags such as
// -c are left alone.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.StoreBackend, "k", config.StoreBackend, "store backend (postgres|redis|memory)")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.RedisAddr, "R", config.RedisAddr, "redis address")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.Issuer, "iss", config.Issuer, "token issuer")
	fs.StringVar(&config.Audience, "aud", config.Audience, "token audience")

	accessTokenMinutes := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access token validity (in minutes)")

	fs.IntVar(&config.RefreshTokenTTLDays, "r", config.RefreshTokenTTLDays, "refresh token validity (in days)")
	fs.IntVar(&config.MaxActiveSessionsPerUser, "m", config.MaxActiveSessionsPerUser, "max active sessions per user")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 audit bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "t" {
			config.AccessTokenValidityDuration = time.Duration(*accessTokenMinutes) * time.Minute
		}
	})

	return nil
}
