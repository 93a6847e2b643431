package objectmanager

import (
	"github.com/dray-io/heapd/internal/object"
)

// Reference is the in-memory holder of one resident object.
type Reference struct {
	obj *object.ManagedObject

	// checkedOut is set while a lookup holds the object.
	checkedOut bool
	// committing is set between the start of a release and the moment its
	// commit outcome is applied.
	committing bool
	// removeOnRelease drops the object from memory once it is released.
	// Used for objects faulted in on behalf of a client copy.
	removeOnRelease bool
	// accessed counts checkouts since the last time the cache passed over
	// this reference.
	accessed int

	node *node[*Reference]
}

// Object returns the referenced managed object.
func (r *Reference) Object() *object.ManagedObject {
	return r.obj
}

// pinned reports whether the reference must stay in memory.
func (r *Reference) pinned() bool {
	return r.checkedOut || r.committing || r.obj.Dirty || r.obj.IsNew
}

type node[T any] struct {
	data T
	prev *node[T]
	next *node[T]
}

// list is a doubly linked list with the most recently used node at the head.
type list[T any] struct {
	head *node[T]
	tail *node[T]
	size int
}

func (l *list[T]) addToHead(data T) *node[T] {
	n := &node[T]{data: data}
	l.linkHead(n)
	return n
}

func (l *list[T]) linkHead(n *node[T]) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.size++
}

func (l *list[T]) delete(n *node[T]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	l.size--
}

func (l *list[T]) moveToHead(n *node[T]) {
	if l.head == n {
		return
	}
	l.delete(n)
	l.linkHead(n)
}

func (l *list[T]) count() int {
	return l.size
}

// mruCache orders resident references by recency and picks victims with a
// second-chance sweep from the tail.
type mruCache struct {
	dll      list[*Reference]
	capacity int
}

func newMRUCache(capacity int) *mruCache {
	return &mruCache{capacity: capacity}
}

func (c *mruCache) add(ref *Reference) {
	ref.node = c.dll.addToHead(ref)
}

func (c *mruCache) touch(ref *Reference) {
	ref.accessed++
	if ref.node != nil {
		c.dll.moveToHead(ref.node)
	}
}

func (c *mruCache) remove(ref *Reference) {
	if ref.node == nil {
		return
	}
	c.dll.delete(ref.node)
	ref.node = nil
}

func (c *mruCache) isFull() bool {
	return c.capacity > 0 && c.dll.count() > c.capacity
}

// prune removes references from the tail until the cache is back under
// capacity. Pinned references are skipped; a recently accessed reference
// loses its access count and goes back to the head once. Returns the
// removed references.
func (c *mruCache) prune() []*Reference {
	var victims []*Reference
	budget := 2 * c.dll.count()
	for c.isFull() && budget > 0 {
		budget--
		n := c.dll.tail
		ref := n.data
		if ref.pinned() {
			c.dll.moveToHead(n)
			continue
		}
		if ref.accessed > 0 {
			ref.accessed = 0
			c.dll.moveToHead(n)
			continue
		}
		c.remove(ref)
		victims = append(victims, ref)
	}
	return victims
}
