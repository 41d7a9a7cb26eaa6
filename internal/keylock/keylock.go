// Package keylock provides fine-grained striped locking scoped to a key,
// so unrelated keys never contend on one store-wide mutex.
// This package is internal and should not be imported by external projects.
package keylock

import (
	"hash/fnv"
	"sync"
)

// KeyLock 是按键分片的互斥锁。同一键的操作串行化，
// 不同键落在不同分片上时互不阻塞。
type KeyLock struct {
	stripes []sync.Mutex
}

// New 创建分片锁。stripes <= 0 时使用默认分片数。
func New(stripes int) *KeyLock {
	if stripes <= 0 {
		stripes = 64
	}
	return &KeyLock{stripes: make([]sync.Mutex, stripes)}
}

// Lock 锁定 key 所在的分片。
func (l *KeyLock) Lock(key string) {
	l.stripes[l.index(key)].Lock()
}

// Unlock 解锁 key 所在的分片。
func (l *KeyLock) Unlock(key string) {
	l.stripes[l.index(key)].Unlock()
}

// WithLock 在持有 key 分片锁的情况下执行 fn。
func (l *KeyLock) WithLock(key string, fn func() error) error {
	l.Lock(key)
	defer l.Unlock(key)
	return fn()
}

func (l *KeyLock) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	// 先在 uint32 域内取模，避免 32 位平台上转 int 后得到负下标
	return int(h.Sum32() % uint32(len(l.stripes)))
}
