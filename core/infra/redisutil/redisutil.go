package redisutil

import (
	"os"
	"strings"

	"github.com/cordum/masher/core/infra/tlsutil"
	"github.com/redis/go-redis/v9"
)

const (
	envTLSPrefix         = "MASHER_REDIS"
	envRedisClusterAddrs = "MASHER_REDIS_CLUSTER_ADDRESSES"
)

// NewClient creates a Redis universal client for the catalog store.
// MASHER_REDIS_TLS_* adds TLS and MASHER_REDIS_CLUSTER_ADDRESSES switches to
// a cluster client.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := parseAddrList(os.Getenv(envRedisClusterAddrs))
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// ParseOptions parses a Redis URL and applies TLS settings from the environment.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsutil.Build("redis", opts.TLSConfig, tlsutil.FilesFromEnv(envTLSPrefix))
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsConfig
	return opts, nil
}

func parseAddrList(raw string) []string {
	parts := strings.FieldsFunc(strings.TrimSpace(raw), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
