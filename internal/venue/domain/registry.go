package domain

import (
	"sync"
)

// AdapterRegistry 场所适配器注册表。
// 注册顺序是稳定的：选路在成本相同时按注册先后裁决，注册后不允许重排。
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters []VenueAdapter
	byKey    map[string]VenueAdapter
}

// NewAdapterRegistry 创建空注册表
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		byKey: make(map[string]VenueAdapter),
	}
}

// Register 注册适配器，重复 key 返回错误
func (r *AdapterRegistry) Register(adapter VenueAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[adapter.Key()]; ok {
		return ErrVenueRegistered
	}
	r.byKey[adapter.Key()] = adapter
	r.adapters = append(r.adapters, adapter)
	return nil
}

// Get 按 key 查找适配器
func (r *AdapterRegistry) Get(key string) (VenueAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.byKey[key]
	if !ok {
		return nil, ErrVenueNotFound
	}
	return adapter, nil
}

// List 按注册顺序返回全部适配器
func (r *AdapterRegistry) List() []VenueAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]VenueAdapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// ListForPair 按注册顺序返回支持该资产对的适配器
func (r *AdapterRegistry) ListForPair(pair AssetPair) []VenueAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []VenueAdapter
	for _, a := range r.adapters {
		if a.SupportsPair(pair) {
			out = append(out, a)
		}
	}
	return out
}
