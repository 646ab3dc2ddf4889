package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alma/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool            *pgxpool.Pool
	startingBalance decimal.Decimal
}

// NewPostgresStore creates a new PostgreSQL-backed store. New users are
// provisioned with startingBalance GHS on first balance lookup.
func NewPostgresStore(pool *pgxpool.Pool, startingBalance decimal.Decimal) *PostgresStore {
	return &PostgresStore{pool: pool, startingBalance: startingBalance}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, outcomes []model.Outcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, title, description, category, liquidity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		m.ID, m.Title, m.Description, m.Category,
		m.Liquidity.String(), m.Status, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.ID, err)
	}

	for _, o := range outcomes {
		_, err = tx.Exec(ctx,
			`INSERT INTO outcomes (id, market_id, title, quantity, position)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			o.ID, o.MarketID, o.Title, o.Quantity.String(), o.Position,
		)
		if err != nil {
			return fmt.Errorf("insert outcome %s: %w", o.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	var liquidity string
	var winner *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, title, description, category, liquidity::TEXT,
		        status, winning_outcome_id, resolved_at, created_at
		 FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.Title, &m.Description, &m.Category, &liquidity,
			&m.Status, &winner, &m.ResolvedAt, &m.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}

	m.Liquidity, _ = decimal.NewFromString(liquidity)
	if winner != nil {
		m.WinningOutcomeID = *winner
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, description, category, liquidity::TEXT,
		        status, winning_outcome_id, resolved_at, created_at
		 FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var liquidity string
		var winner *string
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &m.Category, &liquidity,
			&m.Status, &winner, &m.ResolvedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Liquidity, _ = decimal.NewFromString(liquidity)
		if winner != nil {
			m.WinningOutcomeID = *winner
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, title, quantity::TEXT, position
		 FROM outcomes WHERE market_id = $1 ORDER BY position`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var qty string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Title, &qty, &o.Position); err != nil {
			return nil, err
		}
		o.Quantity, _ = decimal.NewFromString(qty)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	// Provision the account on first sight; no-op if it already exists.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (user_id, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, s.startingBalance.String(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("provision balance %s: %w", userID, err)
	}

	var balance string
	err = s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM balances WHERE user_id = $1`, userID).
		Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}

	b, _ := decimal.NewFromString(balance)
	return b, nil
}

// CommitTrade applies the bet, quantity advance, and balance debit in one
// transaction. The quantity update is conditional on the pre-trade snapshot
// and the debit is conditional on sufficient funds, so a concurrent writer
// surfaces as ErrConflict with no partial state. The market row is share
// locked so the status check holds against a concurrent settlement.
func (s *PostgresStore) CommitTrade(ctx context.Context, c TradeCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM markets WHERE id = $1 FOR SHARE`, c.Bet.MarketID).
		Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("lock market %s: %w", c.Bet.MarketID, err)
	}
	if status != model.StatusActive {
		return ErrConflict
	}

	tag, err := tx.Exec(ctx,
		`UPDATE outcomes SET quantity = $1::NUMERIC
		 WHERE id = $2 AND quantity = $3::NUMERIC`,
		c.NewQuantity.String(), c.Bet.OutcomeID, c.ExpectedQuantity.String(),
	)
	if err != nil {
		return fmt.Errorf("update outcome quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	tag, err = tx.Exec(ctx,
		`UPDATE balances SET balance = balance - $1::NUMERIC
		 WHERE user_id = $2 AND balance >= $1::NUMERIC`,
		c.Bet.Amount.String(), c.Bet.UserID,
	)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO bets (id, market_id, outcome_id, user_id, amount, shares, price, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		c.Bet.ID, c.Bet.MarketID, c.Bet.OutcomeID, c.Bet.UserID,
		c.Bet.Amount.String(), c.Bet.Shares.String(), c.Bet.Price.String(),
		c.Bet.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bet: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, outcome_id, user_id,
		        amount::TEXT, shares::TEXT, price::TEXT, created_at
		 FROM bets WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) GetUserStakes(ctx context.Context, userID string) (map[string]model.Stake, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.market_id, m.category, COALESCE(SUM(b.amount), 0)::TEXT
		 FROM bets b
		 JOIN markets m ON m.id = b.market_id
		 WHERE b.user_id = $1
		 GROUP BY b.market_id, m.category`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stakes := make(map[string]model.Stake)
	for rows.Next() {
		var marketID, category, amountS string
		if err := rows.Scan(&marketID, &category, &amountS); err != nil {
			return nil, err
		}
		amount, _ := decimal.NewFromString(amountS)
		stakes[marketID] = model.Stake{Category: category, Amount: amount}
	}
	return stakes, rows.Err()
}

// SettleMarket flips the market to resolved, aggregates winning shares per
// user, and credits all payouts in one transaction. The status flip is
// conditional on the market still being active, which makes re-entry
// (crash recovery, double-submit) fail with ErrConflict before any credit
// is re-applied. The flip's row lock also excludes in-flight CommitTrade
// transactions, so the bet aggregation that follows it is final.
func (s *PostgresStore) SettleMarket(ctx context.Context, marketID, winningOutcomeID string, resolvedAt time.Time) ([]model.Payout, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET status = $2, winning_outcome_id = $3, resolved_at = $4
		 WHERE id = $1 AND status = $5`,
		marketID, model.StatusResolved, winningOutcomeID, resolvedAt, model.StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve market %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConflict
	}

	rows, err := tx.Query(ctx,
		`SELECT user_id, SUM(shares)::TEXT
		 FROM bets WHERE market_id = $1 AND outcome_id = $2
		 GROUP BY user_id ORDER BY user_id`,
		marketID, winningOutcomeID)
	if err != nil {
		return nil, fmt.Errorf("aggregate winning bets: %w", err)
	}

	payouts := []model.Payout{}
	for rows.Next() {
		var userID, sharesS string
		if err := rows.Scan(&userID, &sharesS); err != nil {
			rows.Close()
			return nil, err
		}
		shares, _ := decimal.NewFromString(sharesS)
		payouts = append(payouts, model.Payout{UserID: userID, Shares: shares})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range payouts {
		// A winning bettor always has a balance row: it was provisioned
		// before their bet was accepted.
		_, err = tx.Exec(ctx,
			`UPDATE balances SET balance = balance + $1::NUMERIC WHERE user_id = $2`,
			p.Shares.String(), p.UserID,
		)
		if err != nil {
			return nil, fmt.Errorf("credit payout %s: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return payouts, nil
}

// scanBets reads pgx rows into Bet slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanBets(rows pgxRows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var amountS, sharesS, priceS string

		if err := rows.Scan(&b.ID, &b.MarketID, &b.OutcomeID, &b.UserID,
			&amountS, &sharesS, &priceS, &b.CreatedAt); err != nil {
			return nil, err
		}

		b.Amount, _ = decimal.NewFromString(amountS)
		b.Shares, _ = decimal.NewFromString(sharesS)
		b.Price, _ = decimal.NewFromString(priceS)

		bets = append(bets, b)
	}
	return bets, rows.Err()
}
