package login

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// lockoutCache counts failed login proofs per IP address. Every entry expires
// window after the first failure that created it.
type lockoutCache struct {
	cacheInstance *gocache.Cache
	threshold     int
}

func newLockoutCache(threshold int, window time.Duration) *lockoutCache {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &lockoutCache{
		cacheInstance: gocache.New(window, window),
		threshold:     threshold,
	}
}

// recordFailure bumps the failure count of ip and returns the new count.
func (c *lockoutCache) recordFailure(ip string) int {
	if n, err := c.cacheInstance.IncrementInt(ip, 1); err == nil {
		return n
	}
	c.cacheInstance.Set(ip, 1, gocache.DefaultExpiration)
	return 1
}

// lockedOut reports whether ip has reached the threshold. A threshold of 0
// disables the lockout.
func (c *lockoutCache) lockedOut(ip string) bool {
	if c.threshold <= 0 {
		return false
	}
	v, ok := c.cacheInstance.Get(ip)
	if !ok {
		return false
	}
	return v.(int) >= c.threshold
}
