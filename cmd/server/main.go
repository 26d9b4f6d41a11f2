package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"p2p_chat/internal/config"
	"p2p_chat/internal/service/server"
	"p2p_chat/internal/store"
	"p2p_chat/internal/utils/log"
)

func main() {
	cfg := config.Load()

	var (
		port    string
		backend string
		dataDir string
	)

	root := &cobra.Command{
		Use:   "chat-store",
		Short: "Conversation store server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				cfg.Port = port
			}
			if backend != "" {
				cfg.StoreBackend = backend
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&port, "port", "", "listen port (default from PORT)")
	root.Flags().StringVar(&backend, "backend", "", "store backend: file, mongo or redis")
	root.Flags().StringVar(&dataDir, "data-dir", "", "record directory for the file backend")

	if err := root.Execute(); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	st, err := buildStore(cfg)
	if err != nil {
		return err
	}

	srv := server.NewHttpServer(st)
	go func() {
		if err := srv.Run("localhost:" + cfg.Port); err != nil {
			log.Fatal("store server stopped", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Sync()
	return nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "file":
		return store.NewFileStore(cfg.DataDir)
	case "mongo":
		client, err := initMongo(cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		return store.NewMongoStore(client.Database("p2p_chat")), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
