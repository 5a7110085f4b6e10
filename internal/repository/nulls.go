package repository

import (
	"database/sql"
	"time"
)

// dateLayout はDATE型パラメータの文字列表現。
// time.Timeをそのまま渡すとセッションのタイムゾーンで日付が変わるため、文字列で渡す。
const dateLayout = "2006-01-02"

// dateParam は暦日をDATE型パラメータに変換する。
func dateParam(t time.Time) string {
	return t.Format(dateLayout)
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullInt はnil許容のintをsql.NullInt64に変換する。
func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// nullIntValue はsql.NullInt64をnil許容のintに変換する。
func nullIntValue(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// nullTimeValue はsql.NullTimeをnil許容のtime.Timeに変換する。
func nullTimeValue(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
