// Package storage also provides the durable block-found log: the only
// data this proxy persists, since share history and payouts are
// explicitly out of scope.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/btcbridge/stratumproxy/internal/config"
)

// PostgresClient wraps the block-found log.
type PostgresClient struct {
	pool   *pgxpool.Pool
	cfg    config.StorageConfig
	logger *zap.Logger
}

// Block is one found-block record: which worker's share triggered
// submission, at what height, and the network's response.
type Block struct {
	ID         int64
	Hash       string
	Height     int64
	WorkerName string
	Difficulty float64
	Accepted   bool
	RejectMsg  string
	FoundAt    time.Time
}

// NewPostgresClient connects, verifies reachability, and ensures the
// schema exists.
func NewPostgresClient(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*PostgresClient, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
		cfg.MaxConnections, cfg.MinConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("storage: parsing connection string: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("storage: creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("storage: connecting to postgres: %w", err)
	}

	logger.Info("connected to postgres",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	client := &PostgresClient{
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("postgres"),
	}

	if err := client.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("storage: initializing schema: %w", err)
	}

	return client, nil
}

// Close closes the connection pool.
func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS stratum_blocks (
			id BIGSERIAL PRIMARY KEY,
			hash VARCHAR(64) UNIQUE NOT NULL,
			height BIGINT NOT NULL,
			worker_name VARCHAR(255) NOT NULL,
			difficulty DOUBLE PRECISION NOT NULL,
			accepted BOOLEAN NOT NULL,
			reject_msg VARCHAR(255),
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_stratum_blocks_height ON stratum_blocks(height);
		CREATE INDEX IF NOT EXISTS idx_stratum_blocks_found_at ON stratum_blocks(found_at);
	`

	_, err := p.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("storage: creating schema: %w", err)
	}

	return nil
}

// InsertBlock records a block-found event, whether or not the node
// ultimately accepted it.
func (p *PostgresClient) InsertBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO stratum_blocks (hash, height, worker_name, difficulty, accepted, reject_msg, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := p.pool.Exec(ctx, query,
		block.Hash, block.Height, block.WorkerName, block.Difficulty,
		block.Accepted, block.RejectMsg, block.FoundAt)
	if err != nil {
		return fmt.Errorf("storage: inserting block: %w", err)
	}

	return nil
}

// GetRecentBlocks retrieves the most recently found blocks, newest first.
func (p *PostgresClient) GetRecentBlocks(ctx context.Context, limit int) ([]*Block, error) {
	query := `
		SELECT id, hash, height, worker_name, difficulty, accepted, reject_msg, found_at
		FROM stratum_blocks
		ORDER BY found_at DESC
		LIMIT $1
	`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: querying recent blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		var block Block
		var rejectMsg *string
		if err := rows.Scan(&block.ID, &block.Hash, &block.Height, &block.WorkerName,
			&block.Difficulty, &block.Accepted, &rejectMsg, &block.FoundAt); err != nil {
			return nil, fmt.Errorf("storage: scanning block row: %w", err)
		}
		if rejectMsg != nil {
			block.RejectMsg = *rejectMsg
		}
		blocks = append(blocks, &block)
	}

	return blocks, nil
}

// CountConfirmedBlocks reports how many blocks the node has accepted.
func (p *PostgresClient) CountConfirmedBlocks(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stratum_blocks WHERE accepted = TRUE`).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("storage: counting confirmed blocks: %w", err)
	}
	return count, nil
}
