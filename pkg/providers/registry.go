package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry 提供商注册表，由宿主创建并显式传递
type Registry struct {
	mu        sync.RWMutex
	providers map[string]TranslationProvider
}

// NewRegistry 创建新的注册表
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]TranslationProvider),
	}
}

// Register 注册提供商
func (r *Registry) Register(provider TranslationProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.GetName()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	r.providers[name] = provider
	return nil
}

// Get 获取提供商
func (r *Registry) Get(name string) (TranslationProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}

	return provider, nil
}

// List 列出所有提供商（按名称排序）
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
