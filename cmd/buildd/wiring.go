package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/narvanalabs/buildengine/internal/counter"
	"github.com/narvanalabs/buildengine/internal/events"
	gitstatus "github.com/narvanalabs/buildengine/internal/integrations/git"
	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/secrets"
	"github.com/narvanalabs/buildengine/internal/store"
	"github.com/narvanalabs/buildengine/internal/store/memory"
	"github.com/narvanalabs/buildengine/internal/store/postgres"
	"github.com/narvanalabs/buildengine/pkg/config"
)

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Storage.Backend != config.BackendPostgres {
		logger.Warn("using the in-memory store; projects and builds are lost on restart")
		return memory.New(), nil
	}
	pgCfg := postgres.DefaultConfig(cfg.Storage.DatabaseDSN)
	pgCfg.MaxOpenConns = cfg.Storage.MaxOpenConns
	pgCfg.MaxIdleConns = cfg.Storage.MaxIdleConns
	s, err := postgres.NewPostgresStore(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return s, nil
}

// openRedis returns nil when no Redis URL is configured.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

func openCounter(cfg *config.Config, st store.Store, rdb *redis.Client) (counter.Allocator, error) {
	switch cfg.CounterBackend() {
	case config.BackendPostgres:
		pg, ok := st.(*postgres.PostgresStore)
		if !ok {
			return nil, fmt.Errorf("the postgres counter requires the postgres store")
		}
		return counter.NewPostgres(pg.DB()), nil
	case config.BackendRedis:
		return counter.NewRedis(rdb, cfg.Redis.Prefix), nil
	default:
		return counter.NewMemory(), nil
	}
}

// newPublisher always logs state changes and hands them to extra. They are
// mirrored to Kafka and Redis when those are configured. The Kafka publisher is returned
// separately so its queue can be flushed on shutdown.
func newPublisher(cfg *config.Config, rdb *redis.Client, logger *slog.Logger, extra ...events.Publisher) (events.Publisher, *events.KafkaPublisher, error) {
	fanout := append(events.Fanout{events.NewLogPublisher(logger)}, extra...)

	var kafka *events.KafkaPublisher
	if cfg.Kafka.BootstrapServers != "" {
		var err error
		kafka, err = events.NewKafkaPublisher(events.KafkaConfig{
			BootstrapServers: cfg.Kafka.BootstrapServers,
			Topic:            cfg.Kafka.Topic,
			ClientID:         cfg.Kafka.ClientID,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		fanout = append(fanout, kafka)
	}
	if rdb != nil && cfg.Redis.PublishEvents {
		fanout = append(fanout, events.NewRedisPublisher(rdb, cfg.Redis.Prefix))
	}
	return fanout, kafka, nil
}

// flushTimeoutMs is what remains of the shutdown deadline, in milliseconds.
func flushTimeoutMs(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 5000
	}
	if ms := int(time.Until(deadline).Milliseconds()); ms > 0 {
		return ms
	}
	return 0
}

// openSecrets returns nil when no age identity is configured.
func openSecrets(cfg *config.Config, logger *slog.Logger) (*secrets.Store, error) {
	identity, err := cfg.SecretsIdentity()
	if err != nil || identity == "" {
		return nil, err
	}
	s, err := secrets.NewStore(secrets.Config{Dir: cfg.Storage.SecretsDir(), Identity: identity}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening secret store: %w", err)
	}
	return s, nil
}

// statusTokens looks up the token a commit status is posted with. A
// source auth resource names a secret; otherwise the configured token for
// the provider is used.
func statusTokens(cfg *config.Config, secretStore *secrets.Store) gitstatus.TokenFunc {
	return func(ctx context.Context, provider gitstatus.ProviderType, auth *models.SourceAuth) (string, error) {
		if auth != nil && auth.Resource != "" && secretStore != nil {
			token, err := secretStore.Get(ctx, secrets.KindSecret, auth.Resource)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(token)), nil
		}
		var token string
		switch provider {
		case gitstatus.ProviderGitHub:
			token = cfg.Status.GitHubToken
		case gitstatus.ProviderGitLab:
			token = cfg.Status.GitLabToken
		case gitstatus.ProviderBitbucket:
			token = cfg.Status.BitbucketToken
		}
		if token == "" {
			return "", fmt.Errorf("no token configured for %s", provider)
		}
		return token, nil
	}
}
