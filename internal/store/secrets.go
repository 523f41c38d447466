package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/rendis/flowctl/pkg/schema"
)

// --- Secrets ---

func (s *SQLStore) PutSecret(ctx context.Context, siteID, projectID int64, key string, value []byte) error {
	_, err := execBuilder(ctx, s.db, s.sb.Insert("secrets").
		Columns("site_id", "project_id", "key", "value", "updated_at").
		Values(siteID, projectID, key, value, toMillis(s.now())).
		Suffix("ON CONFLICT (site_id, project_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at"))
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

// GetSecret returns schema.ErrSecretNotFound-compatible errors for missing keys.
func (s *SQLStore) GetSecret(ctx context.Context, siteID, projectID int64, key string) ([]byte, error) {
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select("value").From("secrets").
		Where(sq.Eq{"site_id": siteID, "project_id": projectID, "key": key}))
	if err != nil {
		return nil, err
	}
	var value []byte
	err = row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeSecretNotFound, "secret %q not found", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLStore) DeleteSecret(ctx context.Context, siteID, projectID int64, key string) error {
	res, err := execBuilder(ctx, s.db, s.sb.Delete("secrets").
		Where(sq.Eq{"site_id": siteID, "project_id": projectID, "key": key}))
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeSecretNotFound, "secret %q not found", key)
	}
	return nil
}

func (s *SQLStore) ListSecretKeys(ctx context.Context, siteID, projectID int64) ([]string, error) {
	rows, err := queryBuilder(ctx, s.db, s.sb.Select("key").From("secrets").
		Where(sq.Eq{"site_id": siteID, "project_id": projectID}).OrderBy("key"))
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
