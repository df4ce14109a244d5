package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
}

type entry struct {
	key       string
	val       any
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key  string
	val  any
	opts []PutOption
}

// LRU is an in-memory cache with LRU eviction and per-entry TTL.
// A single goroutine owns the underlying map; all operations are
// message-passed into it, so LRU is safe for concurrent use without
// external locking. Expired entries are lazily evicted on access.
type LRU struct {
	getCh     chan getReq
	putCh     chan putReq
	delCh     chan string
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp)
	select {
	case l.getCh <- getReq{key: key, resp: resp}:
		r := <-resp
		return r.val, r.ok
	case <-l.closeCh:
		return nil, false
	}
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	select {
	case l.putCh <- putReq{key: key, val: val, opts: opts}:
	case <-l.closeCh:
	}
}

func (l *LRU) Delete(key string) {
	select {
	case l.delCh <- key:
	case <-l.closeCh:
	}
}

// Close stops the owning goroutine. The cache misses on all operations
// afterwards. Safe to call more than once.
func (l *LRU) Close() {
	l.closeOnce.Do(func() { close(l.closeCh) })
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU{
		getCh:   make(chan getReq),
		putCh:   make(chan putReq),
		delCh:   make(chan string),
		closeCh: make(chan struct{}),
	}

	go l.run(opts.Size)

	return l
}

func (l *LRU) run(size int) {
	ll := list.New()
	cache := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(cache, ele.Value.(*entry).key)
	}

	for {
		select {
		case <-l.closeCh:
			return

		case req := <-l.getCh:
			ele, ok := cache[req.key]
			if !ok {
				req.resp <- getResp{ok: false}
				continue
			}
			ent := ele.Value.(*entry)
			if ent.expired(time.Now()) {
				remove(ele)
				req.resp <- getResp{ok: false}
				continue
			}
			ll.MoveToFront(ele)
			req.resp <- getResp{val: ent.val, ok: true}

		case req := <-l.putCh:
			options := PutOptions{}
			for _, opt := range req.opts {
				opt(&options)
			}
			var expiresAt time.Time
			if options.TTL > 0 {
				expiresAt = time.Now().Add(options.TTL)
			}

			if ele, ok := cache[req.key]; ok {
				ll.MoveToFront(ele)
				ent := ele.Value.(*entry)
				ent.val = req.val
				ent.expiresAt = expiresAt
				continue
			}
			ele := ll.PushFront(&entry{key: req.key, val: req.val, expiresAt: expiresAt})
			cache[req.key] = ele
			if ll.Len() > size {
				if last := ll.Back(); last != nil {
					remove(last)
				}
			}

		case key := <-l.delCh:
			if ele, ok := cache[key]; ok {
				remove(ele)
			}
		}
	}
}

var _ Cache = (*LRU)(nil)
