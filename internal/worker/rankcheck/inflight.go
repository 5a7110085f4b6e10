package rankcheck

import "sync"

// InFlight はチェック実行中のキーワードIDを保持し、同一キーワードの同時チェックを防ぐ。
// スイープと手動チェックの両方が同じInFlightを共有する。
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInFlight はInFlightを生成する。
func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]struct{})}
}

// TryAcquire はキーワードが実行中でなければ登録してtrueを返す。
func (f *InFlight) TryAcquire(keywordID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.ids[keywordID]; busy {
		return false
	}
	f.ids[keywordID] = struct{}{}
	return true
}

// Release はキーワードの実行中登録を解除する。
func (f *InFlight) Release(keywordID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, keywordID)
}

// Len は実行中のキーワード数を返す。
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
