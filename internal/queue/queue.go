// Package queue implements the deferred task queue, a skiplist ordered by
// (deadline, sequence): deadline primary, insertion sequence breaking ties
// so that tasks due at the same instant run in submission order.
package queue

import (
	"github.com/huandu/skiplist"
)

// Key is the queue ordering key.
type Key struct {
	Deadline int64 // unix nanoseconds
	Seq      uint64
}

// Less reports whether k orders before other.
func (k Key) Less(other Key) bool {
	if k.Deadline != other.Deadline {
		return k.Deadline < other.Deadline
	}
	return k.Seq < other.Seq
}

func New() Queue {
	return Queue{
		l: skiplist.New(
			skiplist.GreaterThanFunc(func(a, b interface{}) int {
				k1, k2 := a.(Key), b.(Key)
				if k1.Less(k2) {
					return -1
				} else if k2.Less(k1) {
					return 1
				}
				return 0
			}),
		),
	}
}

type Queue struct {
	l *skiplist.SkipList
}

func (q Queue) Set(k Key, v any) (setAtFront bool) {
	e := q.l.Set(k, entry{Key: k, Value: v})
	return e.Prev() == nil
}

func (q Queue) Front() (Key, any) {
	if e := q.l.Front(); e != nil {
		v := e.Value.(entry)
		return v.Key, v.Value
	}
	return Key{}, nil
}

func (q Queue) Remove(k Key) (removed bool) {
	e := q.l.Remove(k)
	return e != nil
}

func (q Queue) Len() int {
	return q.l.Len()
}

// Scan executes fn for each entry in key order until either the end of
// the queue is reached or fn returns false.
func (q Queue) Scan(fn func(Key, any) bool) {
	for e := q.l.Front(); e != nil; e = e.Next() {
		v := e.Value.(entry)
		if !fn(v.Key, v.Value) {
			return
		}
	}
}

// entry is a queue entry descriptor.
type entry struct {
	Key   Key
	Value any
}
