package sharding

import "hash/fnv"

// ShardFor maps key onto one of n shards. The same key always lands on the
// same shard for a fixed n.
func ShardFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
