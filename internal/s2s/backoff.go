package s2s

import (
	"math/rand"
	"time"
)

const (
	retryDelayFloor  = 1000 * time.Millisecond
	retryDelaySpread = 14000 * time.Millisecond
)

// nextRetryDelay 计算下一次重连延迟：首次在 [1s, 15s) 内均匀取值，
// 其后每次失败翻倍，上限为 maxDelay
func nextRetryDelay(current, maxDelay time.Duration, rnd *rand.Rand) time.Duration {
	if current == 0 {
		return retryDelayFloor + time.Duration(rnd.Int63n(int64(retryDelaySpread)))
	}
	next := current * 2
	if next > maxDelay {
		return maxDelay
	}
	return next
}
