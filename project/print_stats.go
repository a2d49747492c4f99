// Per-job accounting. A job is identified by a fresh UUID the moment the
// first move of a stream arrives and is closed out when the steppers are
// disabled (M84/M18 or inactivity), by M112, or by a kill.
package project

import (
	uuid "github.com/satori/go.uuid"

	"i3go/common/logger"
)

type PrintStats struct {
	Job_id  uuid.UUID
	active  bool
	moves   int64
	started int64

	now func() int64
}

func NewPrintStats(now func() int64) *PrintStats {
	return &PrintStats{now: now}
}

// Note_move lazily opens a job on the first buffered move.
func (self *PrintStats) Note_move() {
	if !self.active {
		self.Job_id = uuid.NewV4()
		self.active = true
		self.moves = 0
		self.started = self.now()
		logger.Infof("print job %s started", self.Job_id)
	}
	self.moves++
}

func (self *PrintStats) Is_active() bool {
	return self.active
}

func (self *PrintStats) Moves() int64 {
	return self.moves
}

// Finish closes the running job, if any.
func (self *PrintStats) Finish(reason string) {
	if !self.active {
		return
	}
	elapsed := self.now() - self.started
	logger.Infof("print job %s %s after %d moves, %d ms", self.Job_id, reason, self.moves, elapsed)
	self.active = false
}
