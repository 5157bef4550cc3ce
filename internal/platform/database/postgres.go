package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// NewPostgresDB keeps retrying until the database answers a ping, so the
// service can start before Postgres in docker-compose setups.
func NewPostgresDB(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	log := zerolog.Ctx(ctx)

	var db *sqlx.DB
	var err error
	maxRetries := 10

	for i := 1; i <= maxRetries; i++ {
		log.Info().Int("attempt", i).Int("max", maxRetries).Msg("connecting to database")

		db, err = sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
		if err == nil {
			log.Info().Msg("database connected")

			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(25)
			db.SetConnMaxLifetime(5 * time.Minute)

			return db, nil
		}

		log.Warn().Err(err).Msg("database not ready yet, waiting 2 seconds")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	return nil, fmt.Errorf("connect database: %w", err)
}
