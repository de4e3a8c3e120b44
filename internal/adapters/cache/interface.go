package cache

// Metrics are counters collected over the lifetime of a cache
type Metrics struct {
	Insertions uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}
