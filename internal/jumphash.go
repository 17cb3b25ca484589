package internal

const jumpMultiplier = 2862933555777941757

// JumpHash maps key to a bucket in [0, buckets) with Lamping and Veach's
// jump consistent hash (https://arxiv.org/abs/1406.2294). Growing buckets
// by one moves only 1/buckets of the keys. Returns 0 when buckets < 1.
func JumpHash(key uint64, buckets int) int {
	bucket, next := int64(-1), int64(0)
	for next < int64(buckets) {
		bucket = next
		key = key*jumpMultiplier + 1
		next = int64(float64(bucket+1) * (float64(1<<31) / float64(key>>33+1)))
	}
	if bucket < 0 {
		return 0
	}
	return int(bucket)
}
