package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"stepup-service/internal/config"
)

// BucketingManager assigns stable partition buckets for wide tables.
// Users hash into user_bucket partitions; validation records hash into
// validation_bucket partitions so a single hot login cannot skew one
// partition.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  cfg.Bucketing.UserBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on hot paths
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetUserBucket returns a consistent bucket for a user (0 to userBuckets-1)
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

// GetValidationBucket returns the partition bucket for a validation record
func (bm *BucketingManager) GetValidationBucket(validationID string) int {
	return bm.getBucket(validationID, bm.eventBuckets)
}

// GetEventBucket returns the partition bucket for a security event key
func (bm *BucketingManager) GetEventBucket(key string) int {
	return bm.getBucket(key, bm.eventBuckets)
}

// GetTimeBucket returns the window-aligned time bucket for rate limiting
func (bm *BucketingManager) GetTimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// GetDateBucket returns the UTC date bucket for append-only tables
func (bm *BucketingManager) GetDateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	hash := bm.getHash(key)
	return int(hash % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
