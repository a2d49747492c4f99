// Stepper-side consumer of the planner ring. The pulse timing itself is
// the board's problem; this object owns the claim/retire contract, the
// physical step counters, and a tick-driven executor that plays a block's
// trapezoid out step event by step event.
package project

import (
	"math"
	"sync/atomic"

	"i3go/common/lock"
)

type Stepper struct {
	planner *Planner
	critsec *lock.Critical

	// Physical position in steps, kept even across aborted moves so the
	// planner can resync from it.
	count_position [NUM_AXIS]int32

	awake uint32

	// Execution state of the block currently being stepped out.
	current               *Block
	step_events_completed uint32
	counter               [NUM_AXIS]int64
	acc_step_rate         float64
}

func NewStepper(planner *Planner, critsec *lock.Critical) *Stepper {
	self := &Stepper{}
	self.planner = planner
	self.critsec = critsec
	return self
}

func (self *Stepper) Wake_up() {
	atomic.StoreUint32(&self.awake, 1)
}

func (self *Stepper) Is_awake() bool {
	return atomic.LoadUint32(&self.awake) != 0
}

func (self *Stepper) sleep() {
	atomic.StoreUint32(&self.awake, 0)
}

// Get_current_block claims the tail block. Returns nil while the ring is
// empty or while the look-ahead still owes the claimable blocks a
// trapezoid refresh.
func (self *Stepper) Get_current_block() *Block {
	var block *Block
	self.critsec.Section(func() {
		if self.planner.Is_empty() {
			return
		}
		tail := self.planner.tail_index()
		candidate := &self.planner.block_buffer[tail]
		if candidate.Is_recalculate() {
			return
		}
		if self.planner.Moves_planned() > 1 {
			succ := &self.planner.block_buffer[next_block_index(tail)]
			if succ.Is_recalculate() {
				return
			}
		}
		candidate.set_busy(true)
		block = candidate
	})
	return block
}

// Discard_current_block retires the tail block.
func (self *Stepper) Discard_current_block() {
	self.critsec.Section(func() {
		if self.planner.Is_empty() {
			return
		}
		tail := self.planner.tail_index()
		self.planner.block_buffer[tail].set_busy(false)
		atomic.StoreUint32(&self.planner.tail, next_block_index(tail))
	})
	if self.planner.Is_empty() {
		self.sleep()
	}
}

// Quick_stop drops the in-flight block and flushes the ring.
func (self *Stepper) Quick_stop() {
	self.critsec.Section(func() {
		self.current = nil
		self.step_events_completed = 0
	})
	self.planner.Flush()
	self.sleep()
}

func (self *Stepper) Position(axis int) int32 {
	var v int32
	self.critsec.Section(func() {
		v = self.count_position[axis]
	})
	return v
}

func (self *Stepper) Position_all() [NUM_AXIS]int32 {
	var v [NUM_AXIS]int32
	self.critsec.Section(func() {
		v = self.count_position
	})
	return v
}

func (self *Stepper) Set_position(pos [NUM_AXIS]int32) {
	self.critsec.Section(func() {
		self.count_position = pos
	})
}

func (self *Stepper) Set_axis_position(axis int, v int32) {
	self.critsec.Section(func() {
		self.count_position[axis] = v
	})
}

func (self *Stepper) start_block(block *Block) {
	self.current = block
	self.step_events_completed = 0
	half := int64(block.Step_event_count) / 2
	for i := 0; i < NUM_AXIS; i++ {
		self.counter[i] = -half
	}
	self.acc_step_rate = float64(block.Initial_rate)
}

// Current_rate reports the step rate (steps/s) the executor is running
// at; MINIMAL_STEP_RATE floor included.
func (self *Stepper) Current_rate() float64 {
	return self.acc_step_rate
}

// Pulse executes one step event of the current block (claiming the next
// block first if idle). Returns false when there was nothing to do.
// The Bresenham interleave walks every axis against step_event_count.
func (self *Stepper) Pulse() bool {
	if self.current == nil {
		block := self.Get_current_block()
		if block == nil {
			return false
		}
		self.start_block(block)
	}

	block := self.current
	sec := int64(block.Step_event_count)
	for i := 0; i < NUM_AXIS; i++ {
		self.counter[i] += int64(block.Steps[i])
		if self.counter[i] > 0 {
			self.counter[i] -= sec
			dir := int32(1)
			if block.Direction_bits&(1<<uint(i)) != 0 {
				dir = -1
			}
			self.critsec.Section(func() {
				self.count_position[i] += dir
			})
		}
	}
	self.step_events_completed++

	// Rate ramp per the block trapezoid.
	accel := float64(block.Acceleration_steps_per_s2)
	done := float64(self.step_events_completed)
	switch {
	case self.step_events_completed <= block.Accelerate_until:
		rate := math.Sqrt(float64(block.Initial_rate)*float64(block.Initial_rate) + 2.0*accel*done)
		self.acc_step_rate = math.Min(rate, float64(block.Nominal_rate))
	case self.step_events_completed > block.Decelerate_after:
		braked := done - float64(block.Decelerate_after)
		peak := math.Min(
			math.Sqrt(float64(block.Initial_rate)*float64(block.Initial_rate)+2.0*accel*float64(block.Accelerate_until)),
			float64(block.Nominal_rate))
		rate := math.Sqrt(math.Max(peak*peak-2.0*accel*braked, 0))
		self.acc_step_rate = math.Max(rate, float64(block.Final_rate))
	default:
		self.acc_step_rate = float64(block.Nominal_rate)
	}
	if self.acc_step_rate < MINIMAL_STEP_RATE {
		self.acc_step_rate = MINIMAL_STEP_RATE
	}

	if self.step_events_completed >= block.Step_event_count {
		self.current = nil
		self.Discard_current_block()
	}
	return true
}

// Run_until_idle pulses until nothing is claimable or max_events step
// events have run, and returns the number executed; the test harness's
// stand-in for letting the pulse timer free-run.
func (self *Stepper) Run_until_idle(max_events int) int {
	events := 0
	for events < max_events {
		if !self.Pulse() {
			break
		}
		events++
	}
	return events
}
