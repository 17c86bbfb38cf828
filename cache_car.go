package vefs

import "container/list"

// carList identifies which of CAR's four lists an entry currently lives
// in.
type carList uint8

const (
	carNone carList = iota
	carT1
	carT2
	carB1
	carB2
)

type carEntry struct {
	key  PageKey
	ref  bool
	list carList
	elem *list.Element
}

// carPolicy implements CAR (Clock with Adaptive Replacement, Bansal &
// Modha 2004): two resident clocks (T1 recency, T2 frequency) each
// backed by a reference bit instead of LRU's strict reorder-on-access,
// plus two ghost lists (B1, B2) of evicted keys that adapt the target
// split p between recency and frequency pressure. Selected by passing
// CacheCAR to NewCache, as the alternative to lruPolicy for workloads
// with a frequency component the plain LRU list can't see.
type carPolicy struct {
	capacity int
	p        int // target size of T1

	t1, t2, b1, b2 *list.List
	entries        map[PageKey]*carEntry
}

func newCARPolicy(capacity int) *carPolicy {
	return &carPolicy{
		capacity: capacity,
		t1:       list.New(), t2: list.New(), b1: list.New(), b2: list.New(),
		entries: make(map[PageKey]*carEntry),
	}
}

func (c *carPolicy) listFor(l carList) *list.List {
	switch l {
	case carT1:
		return c.t1
	case carT2:
		return c.t2
	case carB1:
		return c.b1
	default:
		return c.b2
	}
}

func (c *carPolicy) onAccess(key PageKey) {
	if e, ok := c.entries[key]; ok && (e.list == carT1 || e.list == carT2) {
		e.ref = true
	}
}

// onInsert is called once a newly loaded page has been accepted into the
// cache. It implements CAR's insertion rule, including the ghost-list
// adaptation of p.
func (c *carPolicy) onInsert(key PageKey) {
	if e, ok := c.entries[key]; ok {
		switch e.list {
		case carB1:
			b1Len, b2Len := c.b1.Len(), c.b2.Len()
			delta := 1
			if b2Len > 0 && b1Len > 0 {
				delta = max(1, b2Len/b1Len)
			}
			c.p = min(c.capacity, c.p+delta)
			c.move(e, carT2)
			return
		case carB2:
			b1Len, b2Len := c.b1.Len(), c.b2.Len()
			delta := 1
			if b1Len > 0 && b2Len > 0 {
				delta = max(1, b1Len/b2Len)
			}
			c.p = max(0, c.p-delta)
			c.move(e, carT2)
			return
		}
	}

	if c.t1.Len()+c.b1.Len() == c.capacity {
		if c.t1.Len() < c.capacity {
			c.popGhost(carB1)
		}
	} else if c.t1.Len()+c.t2.Len()+c.b1.Len()+c.b2.Len() >= 2*c.capacity {
		c.popGhost(carB2)
	}

	e := &carEntry{key: key}
	e.elem = c.t1.PushBack(e)
	e.list = carT1
	c.entries[key] = e
}

func (c *carPolicy) onRemove(key PageKey) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.listFor(e.list).Remove(e.elem)
	delete(c.entries, key)
}

// victim runs CAR's replace() clock sweep and returns the key it
// selected for eviction, moving the losing entries to the appropriate
// ghost list as it goes. The caller (Cache.makeRoom) is responsible for
// actually purging the returned page; victim only advances bookkeeping.
func (c *carPolicy) victim() (PageKey, bool) {
	for {
		if c.t1.Len() >= max(1, c.p) {
			if c.t1.Len() == 0 {
				break
			}
			front := c.t1.Front().Value.(*carEntry)
			if !front.ref {
				c.move(front, carB1)
				return front.key, true
			}
			front.ref = false
			c.move(front, carT2)
			continue
		}
		if c.t2.Len() == 0 {
			break
		}
		front := c.t2.Front().Value.(*carEntry)
		if !front.ref {
			c.move(front, carB2)
			return front.key, true
		}
		front.ref = false
		c.move(front, carT2)
	}
	return PageKey{}, false
}

func (c *carPolicy) move(e *carEntry, to carList) {
	c.listFor(e.list).Remove(e.elem)
	e.list = to
	e.ref = false
	e.elem = c.listFor(to).PushBack(e)
}

func (c *carPolicy) popGhost(which carList) {
	l := c.listFor(which)
	if l.Len() == 0 {
		return
	}
	e := l.Front().Value.(*carEntry)
	l.Remove(e.elem)
	delete(c.entries, e.key)
}
