package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/rankwatch/internal/model"
)

// keywordColumns はkeywordsテーブルのSELECT列。scanKeywordと順序を合わせる。
const keywordColumns = `id, tenant_id, term, domain, country_code, device, tags, active,
	current_position, previous_position, last_checked_at, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresKeywordRepo はPostgreSQLを使用したキーワードリポジトリ。
type PostgresKeywordRepo struct {
	db *sql.DB
}

// NewPostgresKeywordRepo はPostgresKeywordRepoを生成する。
func NewPostgresKeywordRepo(db *sql.DB) *PostgresKeywordRepo {
	return &PostgresKeywordRepo{db: db}
}

// FindByID は指定IDのキーワードを取得する。見つからない場合はnilを返す。
func (r *PostgresKeywordRepo) FindByID(ctx context.Context, id string) (*model.Keyword, error) {
	kw, err := scanKeyword(r.db.QueryRowContext(ctx,
		`SELECT `+keywordColumns+` FROM keywords WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キーワードの取得に失敗しました: %w", err)
	}
	return kw, nil
}

// ListDue はチェック対象のキーワードを取得する。
// 未チェック（last_checked_at IS NULL）を優先し、テナントごとにまとめて返す。
func (r *PostgresKeywordRepo) ListDue(ctx context.Context, checkedBefore time.Time) ([]*model.Keyword, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+keywordColumns+`
		 FROM keywords
		 WHERE active = true
		   AND (last_checked_at IS NULL OR last_checked_at <= $1)
		 ORDER BY tenant_id ASC, last_checked_at ASC NULLS FIRST, id ASC`,
		checkedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("チェック対象キーワードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var keywords []*model.Keyword
	for rows.Next() {
		kw, err := scanKeyword(rows)
		if err != nil {
			return nil, fmt.Errorf("チェック対象キーワードの読み取りに失敗しました: %w", err)
		}
		keywords = append(keywords, kw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チェック対象キーワードの走査に失敗しました: %w", err)
	}

	return keywords, nil
}

// scanKeyword はkeywordColumnsの順で1行を読み取る。
func scanKeyword(row rowScanner) (*model.Keyword, error) {
	kw := &model.Keyword{}
	var device string
	var current, previous sql.NullInt64
	var lastChecked sql.NullTime

	if err := row.Scan(
		&kw.ID, &kw.TenantID, &kw.Term, &kw.Domain, &kw.CountryCode, &device,
		pq.Array(&kw.Tags), &kw.Active,
		&current, &previous, &lastChecked,
		&kw.CreatedAt, &kw.UpdatedAt,
	); err != nil {
		return nil, err
	}

	kw.Device = model.Device(device)
	kw.CurrentPosition = nullIntValue(current)
	kw.PreviousPosition = nullIntValue(previous)
	kw.LastCheckedAt = nullTimeValue(lastChecked)

	return kw, nil
}

// compile-time interface check
var _ KeywordRepository = (*PostgresKeywordRepo)(nil)
