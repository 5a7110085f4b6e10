package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/rankwatch/internal/model"
)

// ErrKeywordNotFound は順位記録対象のキーワードが存在しない場合のエラー。
var ErrKeywordNotFound = errors.New("keyword not found")

// ErrStaleObservation は既に記録済みの観測より古い観測を書き込もうとした場合のエラー。
var ErrStaleObservation = errors.New("observation is older than the latest recorded check")

// PostgresRankHistoryRepo はPostgreSQLを使用した順位履歴リポジトリ。
type PostgresRankHistoryRepo struct {
	db *sql.DB
}

// NewPostgresRankHistoryRepo はPostgresRankHistoryRepoを生成する。
func NewPostgresRankHistoryRepo(db *sql.DB) *PostgresRankHistoryRepo {
	return &PostgresRankHistoryRepo{db: db}
}

// RecordCheck は履歴の追記とキーワードの順位更新を同一トランザクションで行う。
// キーワード行をFOR UPDATEでロックし、観測日時が最終チェックより古い場合は何も書き込まない。
func (r *PostgresRankHistoryRepo) RecordCheck(ctx context.Context, entry *model.RankHistoryEntry) (*model.Keyword, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 1. キーワード行をロックし、観測順序を検証
	var lastChecked sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT last_checked_at FROM keywords WHERE id = $1 FOR UPDATE`,
		entry.KeywordID,
	).Scan(&lastChecked)
	if err == sql.ErrNoRows {
		return nil, ErrKeywordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("キーワードのロックに失敗しました: %w", err)
	}
	if lastChecked.Valid && lastChecked.Time.After(entry.ObservedAt) {
		return nil, ErrStaleObservation
	}

	// 2. 履歴を追記
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rank_history (id, keyword_id, position, matched_url, matched_title,
		                           search_volume, difficulty, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.KeywordID, nullInt(entry.Position),
		nullString(entry.MatchedURL), nullString(entry.MatchedTitle),
		nullInt(entry.SearchVolume), nullInt(entry.Difficulty),
		entry.ObservedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("順位履歴の追記に失敗しました: %w", err)
	}

	// 3. キーワードの順位を更新（SET句の右辺は更新前の値を参照する）
	kw, err := scanKeyword(tx.QueryRowContext(ctx,
		`UPDATE keywords SET
		    previous_position = current_position,
		    current_position = $2,
		    last_checked_at = $3,
		    updated_at = now()
		 WHERE id = $1
		 RETURNING `+keywordColumns,
		entry.KeywordID, nullInt(entry.Position), entry.ObservedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("キーワード順位の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return kw, nil
}

// ListByKeyword はキーワードの履歴を観測日時の降順で最大limit件返す。
func (r *PostgresRankHistoryRepo) ListByKeyword(ctx context.Context, keywordID string, limit int) ([]*model.RankHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, keyword_id, position, matched_url, matched_title,
		        search_volume, difficulty, observed_at
		 FROM rank_history
		 WHERE keyword_id = $1
		 ORDER BY observed_at DESC
		 LIMIT $2`,
		keywordID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("順位履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.RankHistoryEntry
	for rows.Next() {
		e := &model.RankHistoryEntry{}
		var position, volume, difficulty sql.NullInt64
		var matchedURL, matchedTitle sql.NullString

		if err := rows.Scan(
			&e.ID, &e.KeywordID, &position, &matchedURL, &matchedTitle,
			&volume, &difficulty, &e.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("順位履歴の読み取りに失敗しました: %w", err)
		}

		e.Position = nullIntValue(position)
		e.MatchedURL = nullStringValue(matchedURL)
		e.MatchedTitle = nullStringValue(matchedTitle)
		e.SearchVolume = nullIntValue(volume)
		e.Difficulty = nullIntValue(difficulty)

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("順位履歴の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// compile-time interface check
var _ RankHistoryRepository = (*PostgresRankHistoryRepo)(nil)
