// Package clock は注入可能な時刻源を提供する。
// 期限判定を純粋関数として扱えるようにし、スイーパーや招待TTLの
// テストを実時間待機なしで決定的に行えるようにする。
package clock

import "time"

// Clock は現在時刻の取得インターフェース。
type Clock interface {
	// Now は現在のUTC時刻を返す。
	Now() time.Time
}

// systemClock はシステム時刻を使用するClock実装。
type systemClock struct{}

// Now は現在のUTC時刻を返す。
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// System はシステム時刻を使用するClockを返す。
func System() Clock {
	return systemClock{}
}
