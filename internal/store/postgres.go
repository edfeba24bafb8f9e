package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Market state is stored as JSONB with every fixed-point integer encoded as
// a decimal string; the columns used for querying (peg, sqrt_k) and all
// curve record quantities are NUMERIC for exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) CreatePerpMarket(ctx context.Context, m *model.PerpMarket) error {
	state, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO perp_markets (market_index, symbol, status, peg_multiplier, sqrt_k, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		m.MarketIndex, m.Symbol, m.Status,
		m.AMM.PegMultiplier.String(), m.AMM.SqrtK.String(),
		state, m.CreatedAt, m.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: index %d or symbol %s", ErrMarketExists, m.MarketIndex, m.Symbol)
	}
	return err
}

func (s *PostgresStore) GetPerpMarket(ctx context.Context, index uint16) (*model.PerpMarket, error) {
	row := s.pool.QueryRow(ctx, `SELECT state FROM perp_markets WHERE market_index = $1`, index)
	m, err := scanPerpMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get perp market %d: %w", index, err)
	}
	return m, nil
}

func (s *PostgresStore) GetPerpMarketBySymbol(ctx context.Context, symbol string) (*model.PerpMarket, error) {
	row := s.pool.QueryRow(ctx, `SELECT state FROM perp_markets WHERE symbol = $1`, symbol)
	m, err := scanPerpMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get perp market %s: %w", symbol, err)
	}
	return m, nil
}

func (s *PostgresStore) ListPerpMarkets(ctx context.Context) ([]model.PerpMarket, error) {
	rows, err := s.pool.Query(ctx, `SELECT state FROM perp_markets ORDER BY market_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.PerpMarket
	for rows.Next() {
		m, err := scanPerpMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdatePerpMarket(ctx context.Context, m *model.PerpMarket) error {
	return updatePerpMarket(ctx, s.pool, m)
}

func (s *PostgresStore) GetSpotMarket(ctx context.Context, index uint16) (*model.SpotMarket, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM spot_markets WHERE market_index = $1`, index).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get spot market %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get spot market %d: %w", index, err)
	}
	var spot model.SpotMarket
	if err := json.Unmarshal(state, &spot); err != nil {
		return nil, fmt.Errorf("decode spot market %d: %w", index, err)
	}
	return &spot, nil
}

func (s *PostgresStore) PutSpotMarket(ctx context.Context, spot *model.SpotMarket) error {
	return putSpotMarket(ctx, s.pool, spot)
}

// UpdateMarkets writes both markets in one transaction.
func (s *PostgresStore) UpdateMarkets(ctx context.Context, m *model.PerpMarket, spot *model.SpotMarket) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updatePerpMarket(ctx, tx, m); err != nil {
			return err
		}
		return putSpotMarket(ctx, tx, spot)
	})
}

func (s *PostgresStore) InsertCurveRecord(ctx context.Context, r *model.CurveRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO curve_records (market_index, record_id, ts,
		        peg_multiplier_before, base_asset_reserve_before, quote_asset_reserve_before, sqrt_k_before,
		        peg_multiplier_after, base_asset_reserve_after, quote_asset_reserve_after, sqrt_k_after,
		        base_asset_amount_long, base_asset_amount_short, base_asset_amount_with_amm,
		        number_of_users, adjustment_cost, total_fee, total_fee_minus_distributions,
		        oracle_price, fill_record)
		 VALUES ($1, $2, $3,
		        $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		        $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		        $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
		        $15, $16::NUMERIC, $17::NUMERIC, $18::NUMERIC,
		        $19::NUMERIC, $20)`,
		r.MarketIndex, r.RecordID, r.Ts,
		r.PegMultiplierBefore.String(), r.BaseAssetReserveBefore.String(), r.QuoteAssetReserveBefore.String(), r.SqrtKBefore.String(),
		r.PegMultiplierAfter.String(), r.BaseAssetReserveAfter.String(), r.QuoteAssetReserveAfter.String(), r.SqrtKAfter.String(),
		r.BaseAssetAmountLong.String(), r.BaseAssetAmountShort.String(), r.BaseAssetAmountWithAMM.String(),
		r.NumberOfUsers, r.AdjustmentCost.String(), r.TotalFee.String(), r.TotalFeeMinusDistributions.String(),
		r.OraclePrice.String(), r.FillRecord,
	)
	return err
}

func (s *PostgresStore) GetCurveRecords(ctx context.Context, marketIndex uint16) ([]model.CurveRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_index, record_id, ts,
		        peg_multiplier_before::TEXT, base_asset_reserve_before::TEXT, quote_asset_reserve_before::TEXT, sqrt_k_before::TEXT,
		        peg_multiplier_after::TEXT, base_asset_reserve_after::TEXT, quote_asset_reserve_after::TEXT, sqrt_k_after::TEXT,
		        base_asset_amount_long::TEXT, base_asset_amount_short::TEXT, base_asset_amount_with_amm::TEXT,
		        number_of_users, adjustment_cost::TEXT, total_fee::TEXT, total_fee_minus_distributions::TEXT,
		        oracle_price::TEXT, fill_record
		 FROM curve_records WHERE market_index = $1 ORDER BY record_id`, marketIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCurveRecords(rows)
}

// execer is the subset of pgxpool.Pool and pgx.Tx the writers need.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updatePerpMarket(ctx context.Context, db execer, m *model.PerpMarket) error {
	state, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx,
		`UPDATE perp_markets
		 SET status = $2, peg_multiplier = $3::NUMERIC, sqrt_k = $4::NUMERIC,
		     state = $5, updated_at = $6
		 WHERE market_index = $1`,
		m.MarketIndex, m.Status, m.AMM.PegMultiplier.String(), m.AMM.SqrtK.String(),
		state, m.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: perp market %d", ErrNotFound, m.MarketIndex)
	}
	return nil
}

func putSpotMarket(ctx context.Context, db execer, spot *model.SpotMarket) error {
	state, err := json.Marshal(spot)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		`INSERT INTO spot_markets (market_index, symbol, state) VALUES ($1, $2, $3)
		 ON CONFLICT (market_index) DO UPDATE SET symbol = EXCLUDED.symbol, state = EXCLUDED.state`,
		spot.MarketIndex, spot.Symbol, state,
	)
	return err
}

func scanPerpMarket(row pgx.Row) (*model.PerpMarket, error) {
	var state []byte
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var m model.PerpMarket
	if err := json.Unmarshal(state, &m); err != nil {
		return nil, fmt.Errorf("decode perp market: %w", err)
	}
	return &m, nil
}

// pgxRows is the part of pgx.Rows the scanners read.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCurveRecords(rows pgxRows) ([]model.CurveRecord, error) {
	var records []model.CurveRecord
	for rows.Next() {
		var r model.CurveRecord
		var text [15]string
		if err := rows.Scan(&r.MarketIndex, &r.RecordID, &r.Ts,
			&text[0], &text[1], &text[2], &text[3],
			&text[4], &text[5], &text[6], &text[7],
			&text[8], &text[9], &text[10],
			&r.NumberOfUsers, &text[11], &text[12], &text[13],
			&text[14], &r.FillRecord); err != nil {
			return nil, err
		}
		dst := []*num.Int{
			&r.PegMultiplierBefore, &r.BaseAssetReserveBefore, &r.QuoteAssetReserveBefore, &r.SqrtKBefore,
			&r.PegMultiplierAfter, &r.BaseAssetReserveAfter, &r.QuoteAssetReserveAfter, &r.SqrtKAfter,
			&r.BaseAssetAmountLong, &r.BaseAssetAmountShort, &r.BaseAssetAmountWithAMM,
			&r.AdjustmentCost, &r.TotalFee, &r.TotalFeeMinusDistributions,
			&r.OraclePrice,
		}
		for i, p := range dst {
			v, err := num.FromString(text[i])
			if err != nil {
				return nil, fmt.Errorf("decode curve record %d: %w", r.RecordID, err)
			}
			*p = v
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
