package cosched

import "fmt"

// DedicatedPoolRegistry maps task type keys to their own unbounded,
// non-queueing coroutine pools so priority task kinds never wait
// behind the default pool. It is immutable once built.
type DedicatedPoolRegistry struct {
	keys  []string
	pools map[string]*CoroutinePool
}

// NewDedicatedPoolRegistry registers every entry of cfgs in order.
func NewDedicatedPoolRegistry(cfgs []DedicatedPoolConfig) (*DedicatedPoolRegistry, error) {
	if err := validateDedicated(cfgs); err != nil {
		return nil, err
	}

	r := &DedicatedPoolRegistry{
		keys:  make([]string, 0, len(cfgs)),
		pools: make(map[string]*CoroutinePool, len(cfgs)),
	}
	for _, cfg := range cfgs {
		pool, err := NewCoroutinePool(cfg.Name, cfg.StackSize, 0)
		if err != nil {
			return nil, fmt.Errorf("cosched: dedicated pool %q: %w", cfg.Name, err)
		}
		r.keys = append(r.keys, cfg.Name)
		r.pools[cfg.Name] = pool
	}
	return r, nil
}

// Keys returns the registered keys in registration order.
func (r *DedicatedPoolRegistry) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Pool returns the pool registered for key.
func (r *DedicatedPoolRegistry) Pool(key string) (*CoroutinePool, bool) {
	p, ok := r.pools[key]
	return p, ok
}

// Run starts t on its type key's pool and reports true, or reports
// false when the key is not registered.
func (r *DedicatedPoolRegistry) Run(t *Task) bool {
	if t.key == "" {
		return false
	}
	pool, ok := r.pools[t.key]
	if !ok {
		return false
	}
	// unbounded pools never fail to acquire
	if err := pool.run(t); err != nil {
		panic(err)
	}
	return true
}

// Kill force terminates every busy coroutine across all pools.
func (r *DedicatedPoolRegistry) Kill() {
	for _, key := range r.keys {
		r.pools[key].Kill()
	}
}

// Close destroys every pool.
func (r *DedicatedPoolRegistry) Close() {
	for _, key := range r.keys {
		r.pools[key].Close()
	}
}

// Stats returns one snapshot per pool in registration order.
func (r *DedicatedPoolRegistry) Stats() []PoolStats {
	stats := make([]PoolStats, 0, len(r.keys))
	for _, key := range r.keys {
		stats = append(stats, r.pools[key].Stats())
	}
	return stats
}
