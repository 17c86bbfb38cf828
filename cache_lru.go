package vefs

import "container/list"

// lruPolicy is the simpler of the two eviction policies NewCache's
// EvictionStrategy argument selects (spec.md section 5): plain least-recently-used order,
// kept in a container/list the way groupcache's lru.Cache does - the
// idiomatic use of the standard library's intrusive doubly linked list
// for this exact purpose, rather than a bespoke structure.
type lruPolicy struct {
	order *list.List
	elems map[PageKey]*list.Element
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{order: list.New(), elems: make(map[PageKey]*list.Element)}
}

func (l *lruPolicy) onInsert(key PageKey) {
	l.elems[key] = l.order.PushFront(key)
}

func (l *lruPolicy) onAccess(key PageKey) {
	if e, ok := l.elems[key]; ok {
		l.order.MoveToFront(e)
	}
}

func (l *lruPolicy) onRemove(key PageKey) {
	if e, ok := l.elems[key]; ok {
		l.order.Remove(e)
		delete(l.elems, key)
	}
}

func (l *lruPolicy) victim() (PageKey, bool) {
	e := l.order.Back()
	if e == nil {
		return PageKey{}, false
	}
	return e.Value.(PageKey), true
}
