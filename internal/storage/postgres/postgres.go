package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/strategy"
)

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(connStr string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStorage{db: db}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return s, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// LoadStocks implements storage.Storage.
func (s *PostgresStorage) LoadStocks(ctx context.Context) ([]*strategy.Stock, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, symbol, name, is_active, buy_mode, buy_amount, buy_shares,
               max_rounds, split_rates, target_rates, stop_loss_rate
        FROM bot_stocks
        WHERE is_active = true
        ORDER BY symbol ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to query stocks: %w", err)
	}
	defer rows.Close()

	var stocks []*strategy.Stock
	for rows.Next() {
		var (
			id                     int64
			stock                  strategy.Stock
			splitRaw, targetRaw    []byte
		)
		err := rows.Scan(&id, &stock.Symbol, &stock.Name, &stock.IsActive,
			&stock.BuyMode, &stock.BuyAmount, &stock.BuyShares,
			&stock.MaxRounds, &splitRaw, &targetRaw, &stock.StopLossRate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		stock.ID = strconv.FormatInt(id, 10)
		if err := json.Unmarshal(splitRaw, &stock.SplitRates); err != nil {
			return nil, fmt.Errorf("failed to parse split rates for %s: %w", stock.Symbol, err)
		}
		if err := json.Unmarshal(targetRaw, &stock.TargetRates); err != nil {
			return nil, fmt.Errorf("failed to parse target rates for %s: %w", stock.Symbol, err)
		}

		if err := s.loadRounds(ctx, &stock, id); err != nil {
			return nil, err
		}
		stocks = append(stocks, &stock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stock rows: %w", err)
	}
	return stocks, nil
}

func (s *PostgresStorage) loadRounds(ctx context.Context, stock *strategy.Stock, stockID int64) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, round, price, trigger_price, quantity, date, status,
               COALESCE(sold_price, 0), COALESCE(sold_date, to_timestamp(0))
        FROM bot_rounds
        WHERE stock_id = $1
        ORDER BY round ASC
    `, stockID)
	if err != nil {
		return fmt.Errorf("failed to query rounds for %s: %w", stock.Symbol, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id int64
			r  strategy.Round
		)
		err := rows.Scan(&id, &r.Round, &r.Price, &r.TriggerPrice, &r.Quantity,
			&r.Date, &r.Status, &r.SoldPrice, &r.SoldDate)
		if err != nil {
			return fmt.Errorf("failed to scan round: %w", err)
		}
		r.ID = strconv.FormatInt(id, 10)
		stock.Rounds = append(stock.Rounds, &r)
	}
	return rows.Err()
}

// CreateStock implements storage.Storage.
func (s *PostgresStorage) CreateStock(ctx context.Context, stock *strategy.Stock) (string, error) {
	splitRaw, err := json.Marshal(stock.SplitRates)
	if err != nil {
		return "", fmt.Errorf("failed to encode split rates: %w", err)
	}
	targetRaw, err := json.Marshal(stock.TargetRates)
	if err != nil {
		return "", fmt.Errorf("failed to encode target rates: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
        INSERT INTO bot_stocks (
            symbol, name, is_active, buy_mode, buy_amount, buy_shares,
            max_rounds, split_rates, target_rates, stop_loss_rate, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
        ON CONFLICT (symbol) DO UPDATE SET
            name = EXCLUDED.name,
            updated_at = EXCLUDED.updated_at
        RETURNING id
    `, stock.Symbol, stock.Name, stock.IsActive, stock.BuyMode, stock.BuyAmount,
		stock.BuyShares, stock.MaxRounds, splitRaw, targetRaw, stock.StopLossRate,
		time.Now()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to save stock %s: %w", stock.Symbol, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// SetStockActive implements storage.Storage.
func (s *PostgresStorage) SetStockActive(ctx context.Context, stockID string, active bool) error {
	id, err := strconv.ParseInt(stockID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid stock id %q: %w", stockID, err)
	}
	_, err = s.db.ExecContext(ctx, `
        UPDATE bot_stocks SET is_active = $2, updated_at = $3 WHERE id = $1
    `, id, active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update stock active flag: %w", err)
	}
	return nil
}

// SaveRound implements storage.Storage.
func (s *PostgresStorage) SaveRound(ctx context.Context, stockID string, r *strategy.Round) (string, error) {
	sid, err := strconv.ParseInt(stockID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid stock id %q: %w", stockID, err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
        INSERT INTO bot_rounds (
            stock_id, round, price, trigger_price, quantity, date, status
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id
    `, sid, r.Round, r.Price, r.TriggerPrice, r.Quantity, r.Date, r.Status).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to save round: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// MarkRoundSold implements storage.Storage.
func (s *PostgresStorage) MarkRoundSold(ctx context.Context, roundID string, soldPrice int64, soldAt time.Time) error {
	id, err := strconv.ParseInt(roundID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid round id %q: %w", roundID, err)
	}
	_, err = s.db.ExecContext(ctx, `
        UPDATE bot_rounds SET status = $2, sold_price = $3, sold_date = $4 WHERE id = $1
    `, id, strategy.StatusSold, soldPrice, soldAt)
	if err != nil {
		return fmt.Errorf("failed to mark round sold: %w", err)
	}
	return nil
}

// BotEnabled implements storage.Storage.
func (s *PostgresStorage) BotEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, `
        SELECT is_running FROM bot_config ORDER BY id ASC LIMIT 1
    `).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read bot config: %w", err)
	}
	return enabled, nil
}

// UpdateHeartbeat implements storage.Storage.
func (s *PostgresStorage) UpdateHeartbeat(ctx context.Context, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE bot_config SET last_heartbeat = $1
        WHERE id = (SELECT id FROM bot_config ORDER BY id ASC LIMIT 1)
    `, at)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		_, err = s.db.ExecContext(ctx, `
            INSERT INTO bot_config (is_running, last_heartbeat) VALUES (false, $1)
        `, at)
		if err != nil {
			return fmt.Errorf("failed to seed bot config: %w", err)
		}
	}
	return nil
}

// PendingWorkItems implements storage.Storage.
func (s *PostgresStorage) PendingWorkItems(ctx context.Context) ([]models.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, kind, symbol, quantity, price, status, COALESCE(result_message, ''), created_at
        FROM bot_requests
        WHERE status = $1
        ORDER BY created_at ASC
    `, models.WorkPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query work items: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		var (
			id   int64
			item models.WorkItem
		)
		err := rows.Scan(&id, &item.Kind, &item.Symbol, &item.Quantity,
			&item.Price, &item.Status, &item.Message, &item.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		item.ID = strconv.FormatInt(id, 10)
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateWorkItem implements storage.Storage.
func (s *PostgresStorage) UpdateWorkItem(ctx context.Context, id, status, message string) error {
	rid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid work item id %q: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
        UPDATE bot_requests SET status = $2, result_message = $3, executed_at = $4 WHERE id = $1
    `, rid, status, message, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	return nil
}

func (s *PostgresStorage) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bot_stocks (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) UNIQUE NOT NULL,
			name VARCHAR(100),
			is_active BOOLEAN DEFAULT TRUE,
			buy_mode VARCHAR(10) DEFAULT 'amount',
			buy_amount BIGINT DEFAULT 100000,
			buy_shares BIGINT DEFAULT 0,
			max_rounds INT DEFAULT 5,
			split_rates JSONB DEFAULT '[]',
			target_rates JSONB DEFAULT '[]',
			stop_loss_rate NUMERIC(10, 4) DEFAULT 0,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS bot_rounds (
			id SERIAL PRIMARY KEY,
			stock_id INT NOT NULL REFERENCES bot_stocks(id),
			round INT NOT NULL,
			price BIGINT NOT NULL,
			trigger_price BIGINT DEFAULT 0,
			quantity BIGINT NOT NULL,
			date TIMESTAMP NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'holding',
			sold_price BIGINT,
			sold_date TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS bot_requests (
			id SERIAL PRIMARY KEY,
			kind VARCHAR(10) NOT NULL,
			symbol VARCHAR(20) NOT NULL DEFAULT '',
			quantity BIGINT DEFAULT 0,
			price BIGINT DEFAULT 0,
			status VARCHAR(12) NOT NULL DEFAULT 'pending',
			result_message TEXT,
			created_at TIMESTAMP DEFAULT NOW(),
			executed_at TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS bot_config (
			id SERIAL PRIMARY KEY,
			is_running BOOLEAN DEFAULT FALSE,
			last_heartbeat TIMESTAMP
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}
