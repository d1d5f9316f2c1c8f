package storage

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/rustycawk/rs-filestore/internal/imaging"
)

// renditionCache keeps recently produced image renditions. Objects never
// change once written, so entries never go stale. A nil cache is valid and
// caches nothing.
type renditionCache struct {
	c *lru.Cache // renditionKey -> Object
}

type renditionKey struct {
	id string
	d  imaging.Directive
}

func newRenditionCache(size int) (*renditionCache, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &renditionCache{c: c}, nil
}

func (r *renditionCache) get(id string, d imaging.Directive) (Object, bool) {
	if r == nil {
		return Object{}, false
	}
	got, ok := r.c.Get(renditionKey{id: id, d: d})
	if !ok {
		return Object{}, false
	}
	return got.(Object), true
}

func (r *renditionCache) add(id string, d imaging.Directive, obj Object) {
	if r == nil {
		return
	}
	r.c.Add(renditionKey{id: id, d: d}, obj)
}

func (r *renditionCache) len() int {
	if r == nil {
		return 0
	}
	return r.c.Len()
}
