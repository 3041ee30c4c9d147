package initialization

import (
	"context"
	"fmt"
	"time"

	"github.com/flowbaker/flowguard/internal/config"
	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/store/filestorage"
	"github.com/flowbaker/flowguard/pkg/store/inmemory"
	"github.com/flowbaker/flowguard/pkg/store/mongodb"
	"github.com/flowbaker/flowguard/pkg/store/postgresql"
	redisstore "github.com/flowbaker/flowguard/pkg/store/redis"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const storeConnectTimeout = 10 * time.Second

func (c *Container) buildStore(ctx context.Context, deps *Dependencies) (domain.CredentialStore, error) {
	storeConfig := c.config.Store

	switch storeConfig.Backend {
	case config.StoreBackendMemory, "":
		log.Warn().Msg("Using the in-memory credential store, credentials are lost on restart")
		return inmemory.New(), nil

	case config.StoreBackendFile:
		return filestorage.New(storeConfig.Path)

	case config.StoreBackendRedis:
		client := c.redis(deps)

		pingCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()

		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", storeConfig.RedisAddr, err)
		}

		return redisstore.New(client, redisstore.Opts{KeyPrefix: storeConfig.RedisPrefix}), nil

	case config.StoreBackendMongoDB:
		connectCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()

		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(storeConfig.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		deps.onClose(client.Disconnect)

		if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
			return nil, fmt.Errorf("failed to ping mongodb: %w", err)
		}

		return mongodb.New(client.Database(storeConfig.MongoDatabase)), nil

	case config.StoreBackendPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, storeConfig.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		deps.onClose(func(context.Context) error {
			pool.Close()
			return nil
		})

		if err := pool.Ping(connectCtx); err != nil {
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}

		return postgresql.New(connectCtx, pool, postgresql.Opts{TablePrefix: storeConfig.TablePrefix})
	}

	return nil, fmt.Errorf("unsupported store backend %q", storeConfig.Backend)
}
