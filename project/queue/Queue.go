package queue

import (
	"container/list"

	"i3go/common/lock"
)

// Queue buffers raw command lines between the transport reader and the
// foreground dispatch loop.
type Queue struct {
	rows *list.List
	lock lock.SpinLock
}

func NewQueue() *Queue {
	self := Queue{}
	self.rows = list.New()
	return &self
}

func (self *Queue) Put_nowait(line string) {
	self.lock.Lock()
	defer self.lock.UnLock()
	self.rows.PushBack(line)
}

// Get_nowait pops the oldest line; ok is false when the queue is empty.
func (self *Queue) Get_nowait() (string, bool) {
	self.lock.Lock()
	defer self.lock.UnLock()
	front := self.rows.Front()
	if front == nil {
		return "", false
	}
	ret := front.Value.(string)
	self.rows.Remove(front)
	return ret, true
}

func (self *Queue) Is_empty() bool {
	self.lock.Lock()
	defer self.lock.UnLock()
	return self.rows.Len() == 0
}

func (self *Queue) Len() int {
	self.lock.Lock()
	defer self.lock.UnLock()
	return self.rows.Len()
}
