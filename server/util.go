package server

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

// CallbackList is an observer list scoped to one server instance.
// Fire order follows bind order. makes a copy of the list on read,
// so callbacks may bind or unbind other callbacks.
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	order     []int
	callbacks map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]T, 0, len(self.order))
	for _, id := range self.order {
		out = append(out, self.callbacks[id])
	}
	return out
}

// Add binds a callback and returns the unbind function.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1
	self.order = append(self.order, id)
	self.callbacks[id] = callback

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if _, ok := self.callbacks[id]; !ok {
			// already unbound
			return
		}
		delete(self.callbacks, id)
		for i, orderedId := range self.order {
			if orderedId == id {
				self.order = append(self.order[0:i], self.order[i+1:]...)
				break
			}
		}
	}
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	maps.Clear(self.callbacks)
	self.order = nil
}

// safeCall normalizes a handler outcome to a single asynchronous result
// shape: a returned error, or a recovered panic converted to an error.
// The rest of the pipeline never sees a panic from user callbacks.
func safeCall(call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("handler panic: %w", e)
			} else {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}
	}()
	return call()
}
