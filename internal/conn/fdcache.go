package conn

import (
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// fdCache bounds the number of concurrently open segment file
// descriptors on the fetch path with an LRU eviction policy whose
// callback closes the evicted file, the same "bounded cache of open
// resources" shape the teacher uses for tempodb's block-meta caches
// (see DESIGN.md).
type fdCache struct {
	cache *lru.Cache[string, *os.File]
}

func newFDCache(size int) (*fdCache, error) {
	c := &fdCache{}
	cache, err := lru.NewWithEvict[string, *os.File](size, func(_ string, f *os.File) {
		f.Close()
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

// open returns an *os.File for path, reusing a cached descriptor when
// possible.
func (c *fdCache) open(path string) (*os.File, error) {
	if f, ok := c.cache.Get(path); ok {
		return f, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(path, f)
	return f, nil
}

func (c *fdCache) close() {
	c.cache.Purge()
}
