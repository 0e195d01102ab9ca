package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offline-gateway/internal/config"
	"offline-gateway/internal/store"
	"offline-gateway/pkg/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Offline-first caching gateway",
	Long: `gateway sits between a client application and its origin. It answers
requests from a local store or the network, keeps the store warm, and
queues failed writes for replay once the origin is reachable again.

Configuration comes from an optional YAML file (--config) and environment
variables such as ORIGIN_URL, CACHE_BACKEND and REDIS_ADDR.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generationsCmd)
}

// setup loads config and builds the process logger.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := logging.NewLogger(logging.Options{Env: cfg.Env, Level: cfg.LogLevel})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("create logger: %w", err)
	}
	logging.SetDefault(logger)
	return cfg, logger, nil
}

// openRedis connects to Redis when cfg needs it and fails fast when it is
// unreachable. It returns nil when no component uses Redis.
func openRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.NeedsRedis() {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("redis connection established", zap.String("addr", cfg.RedisAddr))
	return client, nil
}

// openStore builds the configured store backend.
func openStore(cfg config.Config, client *redis.Client) (store.Store, func() error, error) {
	var rc redis.UniversalClient
	if client != nil {
		rc = client
	}
	return store.New(store.Config{
		Backend:   cfg.CacheBackend,
		Prefix:    cfg.RedisPrefix,
		BadgerDir: cfg.BadgerDir,
	}, rc)
}

// upstreamClient is the HTTP client used for every origin round trip.
func upstreamClient(cfg config.Config) *http.Client {
	return &http.Client{
		Timeout: cfg.UpstreamTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		// Redirects are the client's business; pass them through untouched.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
