package metrics

import (
	"sync"
	"sync/atomic"
)

// labeledCounter 带单一标签的进程内计数器，供中间件与服务并发调用
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) inc(label string, n uint64) {
	atomic.AddUint64(&c.total, n)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label] += n
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

func (c *labeledCounter) reset() {
	atomic.StoreUint64(&c.total, 0)
	c.mu.Lock()
	c.byLabel = nil
	c.mu.Unlock()
}

var (
	rateLimitDrops  labeledCounter
	relayDrops      labeledCounter
	callTransitions labeledCounter
	reapedRooms     uint64
)

// IncRateLimitDrop 记录一次 429；prefix 为空时记为 global
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.inc(prefix, 1)
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rateLimitDrops.snapshot()
}

// IncRelayDrop 记录一次因发送缓冲已满或连接关闭而丢弃的实时事件
func IncRelayDrop(event string) {
	if event == "" {
		event = "unknown"
	}
	relayDrops.inc(event, 1)
}

func RelayDropSnapshot() (total uint64, by map[string]uint64) {
	return relayDrops.snapshot()
}

// IncCallTransition 记录视频通话进入某状态（pending/connected/accepted/rejected/ended）
func IncCallTransition(status string) {
	callTransitions.inc(status, 1)
}

func CallTransitionSnapshot() (total uint64, by map[string]uint64) {
	return callTransitions.snapshot()
}

// AddReapedRooms 累加因超时被回收的视频房间数
func AddReapedRooms(n int) {
	if n > 0 {
		atomic.AddUint64(&reapedRooms, uint64(n))
	}
}

func ReapedRooms() uint64 {
	return atomic.LoadUint64(&reapedRooms)
}

// Reset 清零全部计数器（测试用）
func Reset() {
	rateLimitDrops.reset()
	relayDrops.reset()
	callTransitions.reset()
	atomic.StoreUint64(&reapedRooms, 0)
}
