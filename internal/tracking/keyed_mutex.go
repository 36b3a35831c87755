package tracking

import (
	"hash/fnv"
	"sync"
)

const defaultLockStripes = 256

// KeyedMutex 按 key 串行化的条带锁
// 同一 childId 的写入串行执行，不同 childId 大概率落在不同条带上并行执行
type KeyedMutex struct {
	stripes []sync.Mutex
}

// NewKeyedMutex 创建条带锁，stripes <= 0 时使用默认值
func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes <= 0 {
		stripes = defaultLockStripes
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, stripes)}
}

// Lock 锁定 key 所在条带，返回解锁函数
func (m *KeyedMutex) Lock(key string) func() {
	mu := &m.stripes[m.index(key)]
	mu.Lock()
	return mu.Unlock
}

func (m *KeyedMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.stripes)))
}
