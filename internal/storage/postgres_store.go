package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/types"
)

const assetColumns = `contract_address, token_id, kind, owner, metadata_uri, media_locators,
	mint, marketplace, last_synced_at, source_of_truth`

// PostgresStore is the RecordStore backed by the assets table. Mint and
// marketplace state are JSONB documents.
type PostgresStore struct {
	db  *PostgresDB
	now func() time.Time
}

// NewPostgresStore creates a store over db. now defaults to time.Now.
func NewPostgresStore(db *PostgresDB, now func() time.Time) *PostgresStore {
	if now == nil {
		now = time.Now
	}
	return &PostgresStore{db: db, now: now}
}

func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return apperrors.NewInvariantViolationError(pgErr.ConstraintName, op)
	}
	return apperrors.NewStoreUnavailableError(op, err)
}

func scanRecord(row pgx.Row) (*types.AssetRecord, error) {
	var (
		rec  types.AssetRecord
		kind string
		src  string
	)
	err := row.Scan(
		&rec.ContractAddress,
		&rec.TokenID,
		&kind,
		&rec.Owner,
		&rec.MetadataURI,
		&rec.MediaLocators,
		&rec.Mint,
		&rec.Marketplace,
		&rec.LastSyncedAt,
		&src,
	)
	if err != nil {
		return nil, err
	}
	if rec.Kind, err = types.ParseAssetKind(kind); err != nil {
		return nil, fmt.Errorf("stored kind for %s: %w", rec.Key(), err)
	}
	rec.SourceOfTruth = types.Provenance(src)
	return &rec, nil
}

// Upsert implements RecordStore. The stored row is locked while the write
// is planned; the insert itself refuses to unset a confirmed mint, so the
// guard holds even for rows created concurrently.
func (s *PostgresStore) Upsert(ctx context.Context, rec *types.AssetRecord) (UpsertResult, error) {
	key, err := types.NewAssetKey(rec.ContractAddress, rec.TokenID)
	if err != nil {
		return "", err
	}

	tx, err := s.db.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", storeErr("begin upsert", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	prev, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE contract_address = $1 AND token_id = $2 FOR UPDATE`,
		key.ContractAddress, key.TokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		prev, err = nil, nil
	}
	if err != nil {
		return "", storeErr("load record", err)
	}

	merged, result, err := planUpsert(ctx, prev, rec, s.now())
	if err != nil {
		return "", err
	}

	locators := merged.MediaLocators
	if locators == nil {
		locators = []string{}
	}
	query := `
		INSERT INTO assets (` + assetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (contract_address, token_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			owner = EXCLUDED.owner,
			metadata_uri = EXCLUDED.metadata_uri,
			media_locators = EXCLUDED.media_locators,
			mint = EXCLUDED.mint,
			marketplace = EXCLUDED.marketplace,
			last_synced_at = EXCLUDED.last_synced_at,
			source_of_truth = EXCLUDED.source_of_truth,
			updated_at = NOW()
		WHERE NOT ((assets.mint->>'confirmed')::boolean AND NOT (EXCLUDED.mint->>'confirmed')::boolean)
		RETURNING token_id
	`
	var written string
	err = tx.QueryRow(ctx, query,
		merged.ContractAddress,
		merged.TokenID,
		merged.Kind.String(),
		merged.Owner,
		merged.MetadataURI,
		locators,
		merged.Mint,
		merged.Marketplace,
		merged.LastSyncedAt,
		string(merged.SourceOfTruth),
	).Scan(&written)
	if errors.Is(err, pgx.ErrNoRows) {
		violation := apperrors.NewInvariantViolationError("mint.confirmed cannot be unset", key.String())
		logging.FromContext(ctx).WithError(violation).Error("Rejected record write")
		return "", violation
	}
	if err != nil {
		return "", storeErr("upsert record", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", storeErr("commit upsert", err)
	}
	return result, nil
}

// Get implements RecordStore.
func (s *PostgresStore) Get(ctx context.Context, key types.AssetKey) (*types.AssetRecord, error) {
	rec, err := scanRecord(s.db.Pool().QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE contract_address = $1 AND token_id = $2`,
		key.ContractAddress, key.TokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("asset", key.String())
	}
	if err != nil {
		return nil, storeErr("get record", err)
	}
	return rec, nil
}

// where renders the filter as a WHERE clause with positional args.
func (f Filter) where() (string, []interface{}) {
	f = f.normalized()
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ContractAddress != "" {
		add("contract_address = $%d", f.ContractAddress)
	}
	if f.Owner != "" {
		add("owner = $%d", f.Owner)
	}
	if !f.Kind.IsZero() {
		add("kind = $%d", f.Kind.String())
	}
	if f.Listed != nil {
		add("(marketplace->>'isListed')::boolean = $%d", *f.Listed)
	}
	if f.InAuction != nil {
		add("(marketplace->>'isAuction')::boolean = $%d", *f.InAuction)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Find implements RecordStore. Canonical token ids have no leading zeros,
// so ordering by length then text is numeric order.
func (s *PostgresStore) Find(ctx context.Context, filter Filter) ([]*types.AssetRecord, error) {
	where, args := filter.where()
	query := `SELECT ` + assetColumns + ` FROM assets` + where +
		` ORDER BY contract_address, length(token_id), token_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("find records", err)
	}
	defer rows.Close()

	out := []*types.AssetRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find records", err)
	}
	return out, nil
}

// Count implements RecordStore.
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := filter.where()
	var n int64
	if err := s.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM assets`+where, args...).Scan(&n); err != nil {
		return 0, storeErr("count records", err)
	}
	return n, nil
}

// ClearMarketplace implements RecordStore with one UPDATE over all keys.
func (s *PostgresStore) ClearMarketplace(ctx context.Context, keys []types.AssetKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	contracts := make([]string, len(keys))
	tokens := make([]string, len(keys))
	for i, k := range keys {
		contracts[i], tokens[i] = k.ContractAddress, k.TokenID
	}

	query := `
		UPDATE assets
		SET marketplace = $1, last_synced_at = $2, source_of_truth = 'chain', updated_at = NOW()
		WHERE (contract_address, token_id) IN (SELECT * FROM unnest($3::text[], $4::text[]))
		  AND ((marketplace->>'isListed')::boolean OR (marketplace->>'isAuction')::boolean)
	`
	tag, err := s.db.Pool().Exec(ctx, query, types.Marketplace{}, s.now(), contracts, tokens)
	if err != nil {
		return 0, storeErr("clear marketplace", err)
	}
	return int(tag.RowsAffected()), nil
}

// Delete implements RecordStore.
func (s *PostgresStore) Delete(ctx context.Context, key types.AssetKey) error {
	tag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM assets WHERE contract_address = $1 AND token_id = $2`,
		key.ContractAddress, key.TokenID)
	if err != nil {
		return storeErr("delete record", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("asset", key.String())
	}
	return nil
}

var _ RecordStore = (*PostgresStore)(nil)
