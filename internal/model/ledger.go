package model

import (
	"errors"
	"math"
	"sort"
)

// ErrCounterOverflow は加算すると分数または提出回数がint64の範囲を超えることを表す。
var ErrCounterOverflow = errors.New("ledger counter overflow")

// AggregateKey は全ユーザー合計を保持する集計行のキー。
const AggregateKey = "__total__"

// LedgerHeader は台帳ストアに書き込むヘッダー行。
var LedgerHeader = []string{"user_id", "minutes", "submissions"}

// LedgerEntry は台帳の1行を表す。
type LedgerEntry struct {
	UserID      string `json:"user_id"`
	Minutes     int64  `json:"minutes"`
	Submissions int64  `json:"submissions"`
}

// Table はユーザーIDをキーとする台帳全体。
type Table map[string]LedgerEntry

// Add は指定ユーザーの行に分数と提出回数を加算する。
func (t Table) Add(userID string, minutes, submissions int64) {
	e := t[userID]
	e.UserID = userID
	e.Minutes += minutes
	e.Submissions += submissions
	t[userID] = e
}

// CanAdd は指定ユーザーの行にminutesとsubmissionsを加算しても桁あふれしないかを返す。
// 加算値は0以上であること。
func (t Table) CanAdd(userID string, minutes, submissions int64) bool {
	e := t[userID]
	return e.Minutes <= math.MaxInt64-minutes && e.Submissions <= math.MaxInt64-submissions
}

// Validate は全行が0以上で、集計行がユーザー行の合計と一致することを検証する。
// 合計がint64に収まらない場合はErrCounterOverflowを返す。
func (t Table) Validate() error {
	var minutes, submissions int64
	for userID, e := range t {
		if e.Minutes < 0 || e.Submissions < 0 {
			return ErrCounterOverflow
		}
		if userID == AggregateKey {
			continue
		}
		if minutes > math.MaxInt64-e.Minutes || submissions > math.MaxInt64-e.Submissions {
			return ErrCounterOverflow
		}
		minutes += e.Minutes
		submissions += e.Submissions
	}
	if total := t.Total(); total.Minutes != minutes || total.Submissions != submissions {
		return ErrCounterOverflow
	}
	return nil
}

// Clone はテーブルのコピーを返す。
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Merge はotherの各行（集計行を除く）を加算した新しいテーブルを返す。
func (t Table) Merge(other Table) Table {
	out := t.Clone()
	for userID, e := range other {
		if userID == AggregateKey {
			continue
		}
		out.Add(userID, e.Minutes, e.Submissions)
	}
	return out
}

// Reconcile は集計行を全ユーザー行の合計で再計算する。
// 書き込み後は常に 集計行.Minutes == Σ ユーザー行.Minutes が成り立つ。
func (t Table) Reconcile() Table {
	var total LedgerEntry
	for userID, e := range t {
		if userID == AggregateKey {
			continue
		}
		total.Minutes += e.Minutes
		total.Submissions += e.Submissions
	}
	total.UserID = AggregateKey
	t[AggregateKey] = total
	return t
}

// Total は集計行を返す。存在しない場合はゼロ値の集計行を返す。
func (t Table) Total() LedgerEntry {
	if e, ok := t[AggregateKey]; ok {
		return e
	}
	return LedgerEntry{UserID: AggregateKey}
}

// Rows はユーザーID順に並べた行を返す。集計行は最後に置く。
func (t Table) Rows() []LedgerEntry {
	rows := make([]LedgerEntry, 0, len(t))
	for userID, e := range t {
		if userID == AggregateKey {
			continue
		}
		rows = append(rows, e)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].UserID < rows[j].UserID
	})
	if total, ok := t[AggregateKey]; ok {
		rows = append(rows, total)
	}
	return rows
}

// TableFromRows は行のスライスからテーブルを構築する。
func TableFromRows(rows []LedgerEntry) Table {
	t := make(Table, len(rows))
	for _, r := range rows {
		t[r.UserID] = r
	}
	return t
}
