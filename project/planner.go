// Buffer movement commands and manage the acceleration profile plan.
//
// The look-ahead relaxation below keeps every junction inside the per-axis
// jerk limits while never demanding more than the one configured
// acceleration from any block.
package project

import (
	"math"
	"sync/atomic"

	"i3go/common/lock"
	"i3go/common/logger"
	"i3go/common/utils/maths"
)

const (
	X_AXIS   = 0
	Y_AXIS   = 1
	Z_AXIS   = 2
	E_AXIS   = 3
	NUM_AXIS = 4

	EXTRUDERS = 1
	FAN_COUNT = 1

	// Ring capacity. Must stay a power of two so the index math can mask.
	BLOCK_BUFFER_SIZE = 16

	// Moves shorter than this many step events are dropped silently.
	MIN_STEPS_PER_SEGMENT = 6

	// Under this rate the step timer would overflow.
	MINIMAL_STEP_RATE = 120

	MINIMUM_PLANNER_SPEED = 0.05 // (mm/s)

	// Step-tick clock feeding the fixed-point acceleration rate. The
	// original board stepped at F_CPU/8; boards with another clock just
	// change this one constant.
	STEP_RATE_CLOCK = 16000000.0 * 0.125
)

// Block flag bits.
const (
	BLOCK_FLAG_RECALCULATE          uint8 = 1 << 0
	BLOCK_FLAG_NOMINAL_LENGTH       uint8 = 1 << 1
	BLOCK_FLAG_START_FROM_FULL_HALT uint8 = 1 << 2
)

// Block is one queued linear movement, fully described in steps plus the
// speeds the trapezoid generator and stepper need.
type Block struct {
	flag uint8

	// busy is owned by the consumer once set; the planner must never
	// mutate a block whose busy bit is up. Accessed atomically from both
	// contexts.
	busy uint32

	Steps            [NUM_AXIS]uint32
	Step_event_count uint32
	Direction_bits   uint8
	Active_extruder  uint8
	Fan_speed        [FAN_COUNT]uint8

	Millimeters     float64
	Nominal_speed   float64
	Entry_speed     float64
	Max_entry_speed float64
	Acceleration    float64

	Nominal_rate              uint32
	Initial_rate              uint32
	Final_rate                uint32
	Acceleration_steps_per_s2 uint32
	Acceleration_rate         int32
	Accelerate_until          uint32
	Decelerate_after          uint32

	segment_time_us int64
}

func (b *Block) Is_busy() bool {
	return atomic.LoadUint32(&b.busy) != 0
}

func (b *Block) set_busy(on bool) {
	if on {
		atomic.StoreUint32(&b.busy, 1)
	} else {
		atomic.StoreUint32(&b.busy, 0)
	}
}

func (b *Block) Is_nominal_length() bool {
	return b.flag&BLOCK_FLAG_NOMINAL_LENGTH != 0
}

func (b *Block) Is_recalculate() bool {
	return b.flag&BLOCK_FLAG_RECALCULATE != 0
}

func (b *Block) Is_full_halt() bool {
	return b.flag&BLOCK_FLAG_START_FROM_FULL_HALT != 0
}

// Planner owns the ring of movement blocks. The foreground is the only
// producer; the stepper is the only consumer. head is advanced last on
// publish, tail first on retire.
type Planner struct {
	block_buffer [BLOCK_BUFFER_SIZE]Block
	head         uint32
	tail         uint32

	// End position of the last queued block, in integer steps.
	position [NUM_AXIS]int32

	previous_speed         [NUM_AXIS]float64
	previous_nominal_speed float64
	previous_safe_speed    float64

	Axis_steps_per_mm             [NUM_AXIS]float64
	steps_to_mm                   [NUM_AXIS]float64
	Max_feedrate_mm_s             [NUM_AXIS]float64
	Max_acceleration_mm_per_s2    [NUM_AXIS]float64
	max_acceleration_steps_per_s2 [NUM_AXIS]uint32
	cutoff_long                   uint32

	Acceleration             float64
	Retract_acceleration     float64
	Travel_acceleration      float64
	Min_feedrate_mm_s        float64
	Min_travel_feedrate_mm_s float64
	Min_segment_time_us      int64
	Max_jerk                 [NUM_AXIS]float64

	Flow_percentage       [EXTRUDERS]int
	Volumetric_multiplier [EXTRUDERS]float64
	Fan_speeds            [FAN_COUNT]uint8

	// Guards the trapezoid fields of claimable blocks against the
	// stepper latching them mid-update.
	critsec *lock.Critical

	temperature *Temperature
	stepper     *Stepper
	report      Reporter

	// Called while waiting for a ring slot to free up.
	idle func()
}

func NewPlanner(critsec *lock.Critical) *Planner {
	self := &Planner{}
	self.critsec = critsec
	self.Volumetric_multiplier = [EXTRUDERS]float64{1.0}
	self.Flow_percentage = [EXTRUDERS]int{100}
	self.idle = func() {}
	return self
}

func (self *Planner) Set_collaborators(temperature *Temperature, stepper *Stepper, report Reporter, idle func()) {
	self.temperature = temperature
	self.stepper = stepper
	self.report = report
	if idle != nil {
		self.idle = idle
	}
}

// Apply_motion_limits installs the configured limits and derives the
// step-domain tables from them.
func (self *Planner) Apply_motion_limits(steps_per_mm, max_feedrate, max_accel, max_jerk [NUM_AXIS]float64,
	accel, retract_accel, travel_accel, min_feedrate, min_travel_feedrate float64, min_segment_time_us int64) {
	self.Axis_steps_per_mm = steps_per_mm
	self.Max_feedrate_mm_s = max_feedrate
	self.Max_acceleration_mm_per_s2 = max_accel
	self.Max_jerk = max_jerk
	self.Acceleration = accel
	self.Retract_acceleration = retract_accel
	self.Travel_acceleration = travel_accel
	self.Min_feedrate_mm_s = min_feedrate
	self.Min_travel_feedrate_mm_s = min_travel_feedrate
	self.Min_segment_time_us = min_segment_time_us
	self.Refresh_positioning()
}

func next_block_index(i uint32) uint32 {
	return (i + 1) & (BLOCK_BUFFER_SIZE - 1)
}

func prev_block_index(i uint32) uint32 {
	return (i - 1) & (BLOCK_BUFFER_SIZE - 1)
}

func (self *Planner) head_index() uint32 {
	return atomic.LoadUint32(&self.head)
}

func (self *Planner) tail_index() uint32 {
	return atomic.LoadUint32(&self.tail)
}

func (self *Planner) Moves_planned() uint32 {
	return (self.head_index() - self.tail_index()) & (BLOCK_BUFFER_SIZE - 1)
}

func (self *Planner) Is_empty() bool {
	return self.head_index() == self.tail_index()
}

func (self *Planner) Is_full() bool {
	return next_block_index(self.head_index()) == self.tail_index()
}

// Flush drops every queued block. Only safe once the stepper is stopped.
func (self *Planner) Flush() {
	self.critsec.Section(func() {
		atomic.StoreUint32(&self.tail, self.head_index())
	})
}

// Estimate_acceleration_distance: steps needed to change from rate
// initial_rate to target_rate under accel (steps/s^2).
func Estimate_acceleration_distance(initial_rate, target_rate, accel float64) float64 {
	if accel == 0 {
		return 0
	}
	return (target_rate*target_rate - initial_rate*initial_rate) / (2.0 * accel)
}

// Intersection_distance: the accelerate-for distance when there is no
// plateau, so that decelerating afterward lands exactly on final_rate at
// the end of distance.
func Intersection_distance(initial_rate, final_rate, accel, distance float64) float64 {
	if accel == 0 {
		return 0
	}
	return (2.0*accel*distance - initial_rate*initial_rate + final_rate*final_rate) / (4.0 * accel)
}

// Max_allowable_speed: the speed reachable by accelerating over distance
// from target_velocity (accel is negative when used for deceleration
// budgets).
func Max_allowable_speed(accel, target_velocity, distance float64) float64 {
	v2 := target_velocity*target_velocity - 2.0*accel*distance
	if v2 <= 0 {
		return 0
	}
	return math.Sqrt(v2)
}

// Calculate_trapezoid_for_block partitions the block's step events into
// accelerate / cruise / decelerate given its entry and exit speeds in
// mm/s.
func (self *Planner) Calculate_trapezoid_for_block(block *Block, entry_speed, next_entry_speed float64) {
	initial_rate := uint32(math.Ceil(entry_speed))
	final_rate := uint32(math.Ceil(next_entry_speed))

	if initial_rate < MINIMAL_STEP_RATE {
		initial_rate = MINIMAL_STEP_RATE
	}
	if final_rate < MINIMAL_STEP_RATE {
		final_rate = MINIMAL_STEP_RATE
	}

	accel := float64(block.Acceleration_steps_per_s2)
	accelerate_steps := int64(math.Ceil(Estimate_acceleration_distance(float64(initial_rate), float64(block.Nominal_rate), accel)))
	decelerate_steps := int64(math.Floor(Estimate_acceleration_distance(float64(block.Nominal_rate), float64(final_rate), -accel)))
	plateau_steps := int64(block.Step_event_count) - accelerate_steps - decelerate_steps

	// No plateau means the profile is a triangle; find where accel must
	// hand over to braking so the exit rate is still met.
	if plateau_steps < 0 {
		accelerate_steps = int64(math.Ceil(Intersection_distance(float64(initial_rate), float64(final_rate), accel, float64(block.Step_event_count))))
		if accelerate_steps < 0 {
			accelerate_steps = 0
		}
		if accelerate_steps > int64(block.Step_event_count) {
			accelerate_steps = int64(block.Step_event_count)
		}
		plateau_steps = 0
	}

	self.critsec.Section(func() {
		if block.Is_busy() {
			return
		}
		block.Accelerate_until = uint32(accelerate_steps)
		block.Decelerate_after = uint32(accelerate_steps + plateau_steps)
		block.Initial_rate = initial_rate
		block.Final_rate = final_rate
		block.Acceleration_rate = int32(accel * 16777216.0 / STEP_RATE_CLOCK)
	})
}

// The reverse-pass kernel: pull a block's entry speed up toward its
// junction maximum, bounded by what the next block's entry can absorb.
func reverse_pass_kernel(current, next *Block) {
	if current == nil || next == nil {
		return
	}
	max_entry_speed := current.Max_entry_speed
	if current.Entry_speed != max_entry_speed {
		if current.Is_nominal_length() || max_entry_speed <= next.Entry_speed {
			current.Entry_speed = max_entry_speed
		} else {
			current.Entry_speed = math.Min(max_entry_speed,
				Max_allowable_speed(-current.Acceleration, next.Entry_speed, current.Millimeters))
		}
		current.flag |= BLOCK_FLAG_RECALCULATE
	}
}

func (self *Planner) reverse_pass() {
	if self.Moves_planned() <= 3 {
		return
	}
	// tail is running and tail+1 may be latched at any moment; stop at
	// tail+2.
	tail := self.tail_index()
	endnr := (tail + 2) & (BLOCK_BUFFER_SIZE - 1)
	blocknr := prev_block_index(self.head_index())
	current := &self.block_buffer[blocknr]

	for blocknr != endnr {
		next := current
		blocknr = prev_block_index(blocknr)
		current = &self.block_buffer[blocknr]
		if current.Is_full_halt() {
			// Everything before this block is already optimal.
			break
		}
		reverse_pass_kernel(current, next)
	}
}

// The forward-pass kernel: a short previous block may not be able to
// reach the entry speed the reverse pass granted; lower it.
func forward_pass_kernel(previous, current *Block) {
	if previous == nil {
		return
	}
	if !previous.Is_nominal_length() {
		if previous.Entry_speed < current.Entry_speed {
			entry_speed := math.Min(current.Entry_speed,
				Max_allowable_speed(-previous.Acceleration, previous.Entry_speed, previous.Millimeters))
			if current.Entry_speed != entry_speed {
				current.Entry_speed = entry_speed
				current.flag |= BLOCK_FLAG_RECALCULATE
			}
		}
	}
}

func (self *Planner) forward_pass() {
	var window [3]*Block
	head := self.head_index()
	for b := self.tail_index(); b != head; b = next_block_index(b) {
		window[0] = window[1]
		window[1] = window[2]
		window[2] = &self.block_buffer[b]
		forward_pass_kernel(window[0], window[1])
	}
	forward_pass_kernel(window[1], window[2])
}

func (self *Planner) recalculate_trapezoids() {
	block_index := self.tail_index()
	head := self.head_index()
	var next *Block

	for block_index != head {
		current := next
		next = &self.block_buffer[block_index]
		if current != nil {
			if current.Is_recalculate() || next.Is_recalculate() {
				self.Calculate_trapezoid_for_block(current, current.Entry_speed, next.Entry_speed)
				// Reset current only, so the following pair still sees
				// the changed junction. The clear races the consumer's
				// claim check, so it goes under the critical section.
				self.critsec.Section(func() {
					current.flag &^= BLOCK_FLAG_RECALCULATE
				})
			}
		}
		block_index = next_block_index(block_index)
	}
	// The newest block always exits at a stop.
	if next != nil {
		self.Calculate_trapezoid_for_block(next, next.Entry_speed, 0.0)
		self.critsec.Section(func() {
			next.flag &^= BLOCK_FLAG_RECALCULATE
		})
	}
}

// Recalculate reruns the two-pass entry-speed relaxation and refreshes
// every trapezoid still flagged for it.
func (self *Planner) Recalculate() {
	self.reverse_pass()
	self.forward_pass()
	self.recalculate_trapezoids()
}

// Check_axes_activity latches the fan duty of the running block onto the
// soft-PWM channels, or the requested duty when the ring is empty.
func (self *Planner) Check_axes_activity(pwm *SoftPwm) {
	var tail_fan_speed [FAN_COUNT]uint8
	tail_fan_speed = self.Fan_speeds
	if !self.Is_empty() {
		block := &self.block_buffer[self.tail_index()]
		tail_fan_speed = block.Fan_speed
	}
	if pwm != nil {
		for i := 0; i < FAN_COUNT; i++ {
			pwm.Set_fan_amount(i, tail_fan_speed[i])
		}
	}
}

// Buffer_line adds a new linear movement to the ring. Target positions
// are absolute mm; fr_mm_s is the requested feedrate. Blocks (spinning on
// idle) while the ring is full.
func (self *Planner) Buffer_line(x, y, z, e float64, fr_mm_s float64, extruder int) {
	target := [NUM_AXIS]int32{
		int32(math.Round(x * self.Axis_steps_per_mm[X_AXIS])),
		int32(math.Round(y * self.Axis_steps_per_mm[Y_AXIS])),
		int32(math.Round(z * self.Axis_steps_per_mm[Z_AXIS])),
		int32(math.Round(e * self.Axis_steps_per_mm[E_AXIS])),
	}

	da := target[X_AXIS] - self.position[X_AXIS]
	db := target[Y_AXIS] - self.position[Y_AXIS]
	dc := target[Z_AXIS] - self.position[Z_AXIS]
	de := target[E_AXIS] - self.position[E_AXIS]

	if de != 0 && self.temperature != nil {
		if self.temperature.Is_coldextrude() {
			// Behave as if the move really took place, but ignore E.
			self.position[E_AXIS] = target[E_AXIS]
			de = 0
			self.echo("cold extrusion prevented")
		} else if math.Abs(float64(de)*self.steps_to_mm[E_AXIS]) > self.temperature.Max_extrude_length_mm {
			self.position[E_AXIS] = target[E_AXIS]
			de = 0
			self.echo("long extrusion prevented")
		}
	}

	var dm uint8
	if da < 0 {
		dm |= 1 << X_AXIS
	}
	if db < 0 {
		dm |= 1 << Y_AXIS
	}
	if dc < 0 {
		dm |= 1 << Z_AXIS
	}
	if de < 0 {
		dm |= 1 << E_AXIS
	}

	esteps_float := float64(de) * self.Volumetric_multiplier[extruder] * float64(self.Flow_percentage[extruder]) * 0.01
	esteps := uint32(math.Abs(esteps_float) + 0.5)

	var steps [NUM_AXIS]uint32
	steps[X_AXIS] = uint32(abs32(da))
	steps[Y_AXIS] = uint32(abs32(db))
	steps[Z_AXIS] = uint32(abs32(dc))
	steps[E_AXIS] = esteps
	step_event_count := maths.MaximumU32(steps[X_AXIS], steps[Y_AXIS], steps[Z_AXIS], esteps)

	// Bail on moves shorter than MIN_STEPS_PER_SEGMENT step events. Not an
	// error.
	if step_event_count < MIN_STEPS_PER_SEGMENT {
		return
	}

	// Rest here until there is room in the ring; being full means we are
	// well ahead of the machine.
	next_buffer_head := next_block_index(self.head_index())
	for self.tail_index() == next_buffer_head {
		self.idle()
	}

	block := &self.block_buffer[self.head_index()]
	block.set_busy(false)
	block.flag = 0
	block.Direction_bits = dm
	block.Steps = steps
	block.Step_event_count = step_event_count
	block.Active_extruder = uint8(extruder)
	block.Fan_speed = self.Fan_speeds

	if esteps != 0 && fr_mm_s < self.Min_feedrate_mm_s {
		fr_mm_s = self.Min_feedrate_mm_s
	} else if esteps == 0 && fr_mm_s < self.Min_travel_feedrate_mm_s {
		fr_mm_s = self.Min_travel_feedrate_mm_s
	}

	var delta_mm [NUM_AXIS]float64
	delta_mm[X_AXIS] = float64(da) * self.steps_to_mm[X_AXIS]
	delta_mm[Y_AXIS] = float64(db) * self.steps_to_mm[Y_AXIS]
	delta_mm[Z_AXIS] = float64(dc) * self.steps_to_mm[Z_AXIS]
	delta_mm[E_AXIS] = esteps_float * self.steps_to_mm[E_AXIS]

	if steps[X_AXIS] < MIN_STEPS_PER_SEGMENT && steps[Y_AXIS] < MIN_STEPS_PER_SEGMENT && steps[Z_AXIS] < MIN_STEPS_PER_SEGMENT {
		block.Millimeters = math.Abs(delta_mm[E_AXIS])
	} else {
		block.Millimeters = math.Sqrt(
			delta_mm[X_AXIS]*delta_mm[X_AXIS] +
				delta_mm[Y_AXIS]*delta_mm[Y_AXIS] +
				delta_mm[Z_AXIS]*delta_mm[Z_AXIS])
	}
	inverse_millimeters := 1.0 / block.Millimeters

	// Moves per second for this move.
	inverse_mm_s := fr_mm_s * inverse_millimeters

	moves_queued := self.Moves_planned()

	// Slow down when the buffer starts to empty rather than stall at a
	// corner waiting for a refill.
	segment_time := int64(math.Round(1000000.0 / inverse_mm_s))
	if moves_queued >= 2 && moves_queued <= BLOCK_BUFFER_SIZE/2-1 {
		if segment_time < self.Min_segment_time_us {
			inverse_mm_s = 1000000.0 / float64(segment_time+int64(math.Round(float64(2*(self.Min_segment_time_us-segment_time))/float64(moves_queued))))
			segment_time = int64(math.Round(1000000.0 / inverse_mm_s))
		}
	}
	block.segment_time_us = segment_time

	block.Nominal_speed = block.Millimeters * inverse_mm_s
	block.Nominal_rate = uint32(math.Ceil(float64(step_event_count) * inverse_mm_s))

	// Limit speed per axis.
	var current_speed [NUM_AXIS]float64
	speed_factor := 1.0
	for i := 0; i < NUM_AXIS; i++ {
		current_speed[i] = delta_mm[i] * inverse_mm_s
		cs := math.Abs(current_speed[i])
		if cs > self.Max_feedrate_mm_s[i] {
			speed_factor = math.Min(speed_factor, self.Max_feedrate_mm_s[i]/cs)
		}
	}
	if speed_factor < 1.0 {
		for i := 0; i < NUM_AXIS; i++ {
			current_speed[i] *= speed_factor
		}
		block.Nominal_speed *= speed_factor
		block.Nominal_rate = uint32(float64(block.Nominal_rate) * speed_factor)
	}

	// Compute and per-axis limit the acceleration, in steps/s^2.
	steps_per_mm := float64(step_event_count) * inverse_millimeters
	var accel uint32
	if steps[X_AXIS] == 0 && steps[Y_AXIS] == 0 && steps[Z_AXIS] == 0 {
		accel = uint32(math.Ceil(self.Retract_acceleration * steps_per_mm))
	} else {
		base := self.Travel_acceleration
		if esteps != 0 {
			base = self.Acceleration
		}
		accel = uint32(math.Ceil(base * steps_per_mm))

		if step_event_count <= self.cutoff_long {
			for i := 0; i < NUM_AXIS; i++ {
				if steps[i] != 0 && self.max_acceleration_steps_per_s2[i] < accel {
					comp := uint64(self.max_acceleration_steps_per_s2[i]) * uint64(step_event_count)
					if uint64(accel)*uint64(steps[i]) > comp {
						accel = uint32(comp / uint64(steps[i]))
					}
				}
			}
		} else {
			for i := 0; i < NUM_AXIS; i++ {
				if steps[i] != 0 && self.max_acceleration_steps_per_s2[i] < accel {
					comp := float64(self.max_acceleration_steps_per_s2[i]) * float64(step_event_count)
					if float64(accel)*float64(steps[i]) > comp {
						accel = uint32(comp / float64(steps[i]))
					}
				}
			}
		}
	}
	block.Acceleration_steps_per_s2 = accel
	block.Acceleration = float64(accel) / steps_per_mm

	// Start with a safe speed: the largest speed from which an immediate
	// halt still respects every per-axis jerk limit.
	safe_speed := block.Nominal_speed
	limited := 0
	for i := 0; i < NUM_AXIS; i++ {
		jerk := math.Abs(current_speed[i])
		maxj := self.Max_jerk[i]
		if jerk > maxj {
			if limited != 0 {
				mjerk := maxj * block.Nominal_speed
				if jerk*safe_speed > mjerk {
					safe_speed = mjerk / jerk
				}
			} else {
				limited++
				safe_speed = maxj
			}
		}
	}

	var vmax_junction float64
	if moves_queued > 0 && self.previous_nominal_speed > 0.0001 {
		// Limit the junction to the smaller nominal speed; coasting must
		// not reach a higher speed at the joint than either segment asks.
		prev_speed_larger := self.previous_nominal_speed > block.Nominal_speed
		smaller_speed_factor := 1.0
		if prev_speed_larger {
			smaller_speed_factor = block.Nominal_speed / self.previous_nominal_speed
			vmax_junction = block.Nominal_speed
		} else {
			vmax_junction = self.previous_nominal_speed
		}
		v_factor := 1.0
		limited = 0
		for axis := 0; axis < NUM_AXIS; axis++ {
			v_exit := self.previous_speed[axis]
			v_entry := current_speed[axis]
			if prev_speed_larger {
				v_exit *= smaller_speed_factor
			}
			if limited != 0 {
				v_exit *= v_factor
				v_entry *= v_factor
			}

			// Coasting uses the speed difference; a reversal has to absorb
			// the larger magnitude outright.
			var jerk float64
			if v_exit > v_entry {
				if v_entry > 0 || v_exit < 0 {
					jerk = v_exit - v_entry
				} else {
					jerk = math.Max(v_exit, -v_entry)
				}
			} else {
				if v_entry < 0 || v_exit > 0 {
					jerk = v_entry - v_exit
				} else {
					jerk = math.Max(-v_exit, v_entry)
				}
			}

			if jerk > self.Max_jerk[axis] {
				v_factor *= self.Max_jerk[axis] / jerk
				limited++
			}
		}
		if limited != 0 {
			vmax_junction *= v_factor
		}
		// If both safe speeds beat the junction estimate the machine is
		// not coasting through this joint anyway; start the segment clean.
		vmax_junction_threshold := vmax_junction * 0.99
		if self.previous_safe_speed > vmax_junction_threshold && safe_speed > vmax_junction_threshold {
			block.flag |= BLOCK_FLAG_START_FROM_FULL_HALT
			vmax_junction = safe_speed
		}
	} else {
		block.flag |= BLOCK_FLAG_START_FROM_FULL_HALT
		vmax_junction = safe_speed
	}

	block.Max_entry_speed = vmax_junction

	v_allowable := Max_allowable_speed(-block.Acceleration, 0.0, block.Millimeters)
	block.Entry_speed = math.Min(vmax_junction, v_allowable)

	// A block that can go nominal-to-zero within its own length never
	// constrains its neighbours in either pass.
	block.flag |= BLOCK_FLAG_RECALCULATE
	if block.Nominal_speed <= v_allowable {
		block.flag |= BLOCK_FLAG_NOMINAL_LENGTH
	}

	self.previous_speed = current_speed
	self.previous_nominal_speed = block.Nominal_speed
	self.previous_safe_speed = safe_speed

	self.position = target

	// Publish: every field above is written before head moves.
	atomic.StoreUint32(&self.head, next_buffer_head)

	self.Recalculate()

	if self.stepper != nil {
		self.stepper.Wake_up()
	}
}

// Set_position_mm_all resets the planner to a known position, e.g. after
// homing. Junction state restarts from rest.
func (self *Planner) Set_position_mm_all(x, y, z, e float64) {
	self.position[X_AXIS] = int32(math.Round(x * self.Axis_steps_per_mm[X_AXIS]))
	self.position[Y_AXIS] = int32(math.Round(y * self.Axis_steps_per_mm[Y_AXIS]))
	self.position[Z_AXIS] = int32(math.Round(z * self.Axis_steps_per_mm[Z_AXIS]))
	self.position[E_AXIS] = int32(math.Round(e * self.Axis_steps_per_mm[E_AXIS]))
	if self.stepper != nil {
		self.stepper.Set_position(self.position)
	}
	self.previous_nominal_speed = 0.0
	self.previous_safe_speed = 0.0
	self.previous_speed = [NUM_AXIS]float64{}
}

func (self *Planner) Set_position_mm(axis int, v float64) {
	self.position[axis] = int32(math.Round(v * self.Axis_steps_per_mm[axis]))
	if self.stepper != nil {
		self.stepper.Set_axis_position(axis, self.position[axis])
	}
	self.previous_speed[axis] = 0.0
}

func (self *Planner) Get_position_mm() [NUM_AXIS]float64 {
	var out [NUM_AXIS]float64
	for i := 0; i < NUM_AXIS; i++ {
		out[i] = float64(self.position[i]) * self.steps_to_mm[i]
	}
	return out
}

func (self *Planner) Get_position_steps() [NUM_AXIS]int32 {
	return self.position
}

// Sync_from_steppers refreshes position from the stepper counters after
// an interrupted move.
func (self *Planner) Sync_from_steppers() {
	if self.stepper == nil {
		return
	}
	pos := self.stepper.Position_all()
	self.critsec.Section(func() {
		self.position = pos
	})
	logger.Debugf("planner position synced from steppers: %v", pos)
}

// Reset_acceleration_rates recomputes the steps/s^2 limits and the
// overflow cutoff from the mm/s^2 settings.
func (self *Planner) Reset_acceleration_rates() {
	var highest_rate uint32 = 1
	for i := 0; i < NUM_AXIS; i++ {
		self.max_acceleration_steps_per_s2[i] = uint32(self.Max_acceleration_mm_per_s2[i] * self.Axis_steps_per_mm[i])
		if self.max_acceleration_steps_per_s2[i] > highest_rate {
			highest_rate = self.max_acceleration_steps_per_s2[i]
		}
	}
	self.cutoff_long = 4294967295 / highest_rate
}

// Refresh_positioning must run whenever axis_steps_per_mm changes.
func (self *Planner) Refresh_positioning() {
	for i := 0; i < NUM_AXIS; i++ {
		self.steps_to_mm[i] = 1.0 / self.Axis_steps_per_mm[i]
	}
	self.Reset_acceleration_rates()
}

func (self *Planner) Set_fan_speed(fan int, speed uint8) {
	if fan >= 0 && fan < FAN_COUNT {
		self.Fan_speeds[fan] = speed
	}
}

func (self *Planner) Set_flow_percentage(extruder int, pct int) {
	if extruder >= 0 && extruder < EXTRUDERS && pct > 0 {
		self.Flow_percentage[extruder] = pct
	}
}

func (self *Planner) echo(msg string) {
	if self.report != nil {
		self.report.Echo(msg)
	}
	logger.Warn(msg)
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
