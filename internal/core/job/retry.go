package job

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy は一時的な失敗に対する再試行方針
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy はデフォルトの再試行方針を返す
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Delay は attempt 回目の失敗後に待つ時間を返す
// 待ち時間はジョブの利用可能時刻として保存するので、揺らぎを入れずに試行回数だけから決める
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.backOff()
	delay := b.NextBackOff()
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay = b.NextBackOff()
	}
	return min(delay, p.MaxDelay)
}

// backOff は BaseDelay から倍々に増え MaxDelay で頭打ちになる間隔を生成する
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Exhausted は再試行回数を使い切ったかどうかを返す
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
