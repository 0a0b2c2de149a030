package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
	// Now is the clock used for TTL checks (default time.Now).
	Now func() time.Time
}

type entry struct {
	key       string
	val       any
	expiresAt time.Time
}

// LRU is a size bounded cache safe for concurrent use.
type LRU struct {
	mu     sync.Mutex
	size   int
	now    func() time.Time
	ll     *list.List
	items  map[string]*list.Element
	closed bool
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LRU{
		size:  opts.Size,
		now:   opts.Now,
		ll:    list.New(),
		items: make(map[string]*list.Element, opts.Size),
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, false
	}
	ele, ok := l.items[key]
	if !ok {
		return nil, false
	}
	e := ele.Value.(*entry)
	if !e.expiresAt.IsZero() && l.now().After(e.expiresAt) {
		l.removeLocked(ele)
		return nil, false
	}
	l.ll.MoveToFront(ele)
	return e.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	var po PutOptions
	for _, opt := range opts {
		opt(&po)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	var expiresAt time.Time
	if po.TTL > 0 {
		expiresAt = l.now().Add(po.TTL)
	}

	if ele, ok := l.items[key]; ok {
		e := ele.Value.(*entry)
		e.val = val
		e.expiresAt = expiresAt
		l.ll.MoveToFront(ele)
		return
	}

	l.items[key] = l.ll.PushFront(&entry{key: key, val: val, expiresAt: expiresAt})
	if l.ll.Len() > l.size {
		if last := l.ll.Back(); last != nil {
			l.removeLocked(last)
		}
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ele, ok := l.items[key]; ok {
		l.removeLocked(ele)
	}
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

// Close drops all entries. Later calls are no-ops.
func (l *LRU) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.ll.Init()
	l.items = map[string]*list.Element{}
}

func (l *LRU) removeLocked(ele *list.Element) {
	l.ll.Remove(ele)
	delete(l.items, ele.Value.(*entry).key)
}

var _ Cache = (*LRU)(nil)
