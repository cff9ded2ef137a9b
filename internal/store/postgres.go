package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TimurManjosov/gopersonalize/internal/rules"
)

const pgUniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const ruleColumns = `id, name, category_id, type, conditions_json, operator, created_by, created_at, modified_at`

func scanRule(row pgx.Row) (rules.Rule, error) {
	var (
		r        rules.Rule
		ruleType string
		op       string
		condJSON string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.CategoryID, &ruleType, &condJSON, &op, &r.CreatedBy, &r.CreatedAt, &r.ModifiedAt); err != nil {
		return rules.Rule{}, err
	}
	conds, err := rules.DecodeConditions([]byte(condJSON))
	if err != nil {
		return rules.Rule{}, fmt.Errorf("rule %d: %w", r.ID, err)
	}
	r.Type = rules.Type(ruleType)
	r.Operator = rules.NormalizeOperator(op)
	r.Conditions = conds
	return r, nil
}

func (p *PostgresStore) ListRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+ruleColumns+` FROM pwp_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []rules.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetRule(ctx context.Context, id int64) (*rules.Rule, error) {
	r, err := scanRule(p.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM pwp_rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) CreateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	condJSON, err := rules.EncodeConditions(r.Conditions)
	if err != nil {
		return rules.Rule{}, err
	}
	if r.Type == "" {
		r.Type = rules.TypeCustom
	}
	return scanRule(p.pool.QueryRow(ctx,
		`INSERT INTO pwp_rules (name, category_id, type, conditions_json, operator, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+ruleColumns,
		r.Name, r.CategoryID, string(r.Type), string(condJSON),
		string(rules.NormalizeOperator(string(r.Operator))), r.CreatedBy,
	))
}

func (p *PostgresStore) UpdateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	condJSON, err := rules.EncodeConditions(r.Conditions)
	if err != nil {
		return rules.Rule{}, err
	}
	updated, err := scanRule(p.pool.QueryRow(ctx,
		`UPDATE pwp_rules
		    SET name = $2, category_id = $3, conditions_json = $4, operator = $5, modified_at = now()
		  WHERE id = $1
		 RETURNING `+ruleColumns,
		r.ID, r.Name, r.CategoryID, string(condJSON), string(rules.NormalizeOperator(string(r.Operator))),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return rules.Rule{}, ErrNotFound
	}
	return updated, err
}

func (p *PostgresStore) DeleteRule(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM pwp_rules WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) ListCategories(ctx context.Context) ([]rules.Category, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, created_at, modified_at FROM pwp_categories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (rules.Category, error) {
		var c rules.Category
		err := row.Scan(&c.ID, &c.Name, &c.CreatedAt, &c.ModifiedAt)
		return c, err
	})
}

func (p *PostgresStore) CreateCategory(ctx context.Context, name string) (rules.Category, error) {
	var c rules.Category
	err := p.pool.QueryRow(ctx,
		`INSERT INTO pwp_categories (name) VALUES ($1) RETURNING id, name, created_at, modified_at`, name,
	).Scan(&c.ID, &c.Name, &c.CreatedAt, &c.ModifiedAt)
	return c, err
}

func (p *PostgresStore) InsertMapping(ctx context.Context, m Mapping) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pwp_block_mappings (block_ref, post_ref, map_type) VALUES ($1, $2, $3)`,
		m.BlockRef, m.PostRef, m.MapType,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateMapping
	}
	return err
}

func (p *PostgresStore) GetMappings(ctx context.Context, refs []string) (map[string]Mapping, error) {
	result := make(map[string]Mapping, len(refs))
	if len(refs) == 0 {
		return result, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT block_ref, post_ref, map_type FROM pwp_block_mappings WHERE block_ref = ANY($1)`, refs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.BlockRef, &m.PostRef, &m.MapType); err != nil {
			return nil, err
		}
		result[m.BlockRef] = m
	}
	return result, rows.Err()
}

func (p *PostgresStore) DeleteMappingsByOrigin(ctx context.Context, postRef string) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM pwp_block_mappings WHERE post_ref = $1`, postRef)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) GetOrigin(ctx context.Context, ref string) (*Origin, error) {
	var o Origin
	err := p.pool.QueryRow(ctx,
		`SELECT ref, kind, title, body, updated_at FROM pwp_origins WHERE ref = $1`, ref,
	).Scan(&o.Ref, &o.Kind, &o.Title, &o.Body, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) PutOrigin(ctx context.Context, o Origin) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pwp_origins (ref, kind, title, body, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (ref) DO UPDATE
		    SET kind = EXCLUDED.kind, title = EXCLUDED.title, body = EXCLUDED.body, updated_at = now()`,
		o.Ref, o.Kind, o.Title, o.Body,
	)
	return err
}

func (p *PostgresStore) DeleteOrigin(ctx context.Context, ref string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM pwp_origins WHERE ref = $1`, ref)
	return err
}

func (p *PostgresStore) ReplaceUsage(ctx context.Context, postRef string, rows []Usage) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM pwp_active_blocks WHERE post_ref = $1`, postRef); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"pwp_active_blocks"},
			[]string{"block_ref", "rule_id", "post_ref", "name"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				u := rows[i]
				return []any{u.BlockRef, u.RuleID, postRef, u.Name}, nil
			}),
		)
		return err
	})
}

func (p *PostgresStore) ListUsage(ctx context.Context, ruleID int64) ([]Usage, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT block_ref, rule_id, post_ref, name FROM pwp_active_blocks
		  WHERE rule_id = $1 ORDER BY post_ref, block_ref`, ruleID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Usage])
}

// Close closes the database connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
