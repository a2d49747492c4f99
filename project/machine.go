// Machine is the root object: it owns every core component and hands out
// capability references at construction time. There are no package-level
// singletons; everything reachable is reachable through here.
package project

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"i3go/common/config"
	"i3go/common/lock"
	"i3go/common/logger"
	"i3go/common/utils/sys"
	"i3go/project/queue"
)

type Machine struct {
	Config      *config.Config
	Planner     *Planner
	Stepper     *Stepper
	Temperature *Temperature
	Soft_pwm    *SoftPwm
	Settings    *Settings
	Gcode       *GCodeDispatch
	Print_stats *PrintStats

	critsec *lock.Critical

	running uint32
	killed  uint32

	start     time.Time
	clock     func() int64
	transport io.ReadWriteCloser

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	last_activity_ms  int64
	steppers_disabled bool
}

// NewMachine wires the core together. adc and pins are the hardware
// boundaries; transport carries the command stream.
func NewMachine(cfg *config.Config, adc AdcReader, pins PinWriter, transport io.ReadWriteCloser) *Machine {
	self := &Machine{}
	self.Config = cfg
	self.start = time.Now()
	self.clock = func() int64 { return time.Since(self.start).Milliseconds() }
	self.transport = transport
	self.stop = make(chan struct{})

	self.critsec = &lock.Critical{}
	self.Planner = NewPlanner(self.critsec)
	self.Stepper = NewStepper(self.Planner, self.critsec)
	self.Temperature = NewTemperature(cfg, adc, nil, self.Kill)
	self.Soft_pwm = NewSoftPwm(self.Temperature, pins)
	self.Settings = NewSettings(cfg, self.Planner, self.Temperature)
	self.Print_stats = NewPrintStats(self.Now_ms)
	self.Gcode = NewGCodeDispatch(self, transport)

	self.Temperature.report = self.Gcode
	self.Planner.Set_collaborators(self.Temperature, self.Stepper, self.Gcode, self.Idle)

	atomic.StoreUint32(&self.running, 1)
	return self
}

func (self *Machine) Now_ms() int64 {
	return self.clock()
}

// Set_clock swaps the millisecond source; the thermal tests drive
// simulated time through this.
func (self *Machine) Set_clock(clock func() int64) {
	self.clock = clock
}

func (self *Machine) Is_running() bool {
	return atomic.LoadUint32(&self.running) != 0
}

func (self *Machine) Is_killed() bool {
	return atomic.LoadUint32(&self.killed) != 0
}

func (self *Machine) Note_activity() {
	atomic.StoreInt64(&self.last_activity_ms, self.Now_ms())
	self.steppers_disabled = false
}

// Idle is the cooperative yield point: every blocking wait in the
// foreground spins through here so the heaters stay managed no matter
// what the planner is stuck on.
func (self *Machine) Idle() {
	now := self.Now_ms()
	self.Temperature.Manage_heater(now)
	self.Planner.Check_axes_activity(self.Soft_pwm)

	if self.Is_running() && !self.steppers_disabled && self.Config.Safety.StepperIdleSec > 0 {
		last := atomic.LoadInt64(&self.last_activity_ms)
		if self.Planner.Is_empty() && now-last > int64(self.Config.Safety.StepperIdleSec*1000) {
			self.Disable_steppers()
		}
	}

	// Give the consumer goroutines room while the foreground spins.
	time.Sleep(100 * time.Microsecond)
}

// Dwell busy-waits the G4 way: idle until the period elapses.
func (self *Machine) Dwell(ms int64) {
	deadline := self.Now_ms() + ms
	for self.Is_running() && self.Now_ms() < deadline {
		self.Idle()
	}
}

// Wait_for_moves blocks until the ring drains (M400).
func (self *Machine) Wait_for_moves() {
	for self.Is_running() && !self.Planner.Is_empty() {
		self.Idle()
	}
}

func (self *Machine) Disable_steppers() {
	self.steppers_disabled = true
	self.Print_stats.Finish("finished")
	logger.Info("steppers disabled")
}

// Emergency_stop implements M112: heaters off, planner flushed, stepper
// halted, machine no longer running.
func (self *Machine) Emergency_stop() {
	logger.Warn("emergency stop")
	atomic.StoreUint32(&self.running, 0)
	self.Temperature.Disable_all_heaters()
	self.Soft_pwm.All_off()
	self.Stepper.Quick_stop()
	self.Planner.Sync_from_steppers()
	self.Print_stats.Finish("aborted")
	self.shutdown()
}

// Kill is the fatal-fault path. Heater outputs are slammed off before
// and after the components stop; on hardware the watchdog would then
// reset the board, here the run loop unwinds and the process exits.
func (self *Machine) Kill(msg string) {
	if !atomic.CompareAndSwapUint32(&self.killed, 0, 1) {
		self.Soft_pwm.All_off()
		return
	}
	logger.Errorf("printer halted: %s", msg)
	self.Soft_pwm.All_off()
	atomic.StoreUint32(&self.running, 0)
	self.Temperature.Disable_all_heaters()
	self.Stepper.Quick_stop()
	self.Soft_pwm.All_off()
	self.Print_stats.Finish("killed")
	self.shutdown()
}

func (self *Machine) shutdown() {
	self.stopOnce.Do(func() { close(self.stop) })
}

// Run starts the tick contexts and consumes the command stream until it
// ends or the machine stops.
func (self *Machine) Run() {
	self.Note_activity()

	// Combined ADC + soft-PWM tick, the ~1 kHz timer.
	self.wg.Add(1)
	go func() {
		defer self.wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-self.stop:
				return
			case <-ticker.C:
				self.Temperature.Adc_isr()
				self.Soft_pwm.Isr()
			}
		}
	}()

	// Stepper pulse loop, paced by the block's live step rate.
	self.wg.Add(1)
	go func() {
		defer self.wg.Done()
		for {
			select {
			case <-self.stop:
				return
			default:
			}
			if !self.Stepper.Pulse() {
				time.Sleep(500 * time.Microsecond)
				continue
			}
			rate := self.Stepper.Current_rate()
			if rate > 0 {
				time.Sleep(time.Duration(float64(time.Second) / rate))
			}
		}
	}()

	// Transport reader feeds the command queue.
	commands := queue.NewQueue()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		self.Gcode.Read_into(self.transport, commands)
	}()

	// The foreground loop: parse, admit, manage heaters, idle.
	for self.Is_running() {
		if line, ok := commands.Get_nowait(); ok {
			self.process_command(line)
			continue
		}
		select {
		case <-readerDone:
			if commands.Is_empty() {
				self.shutdown()
			}
		default:
		}
		select {
		case <-self.stop:
			atomic.StoreUint32(&self.running, 0)
		default:
			self.Idle()
		}
	}
	self.shutdown()
	self.wg.Wait()
}

// A command that panics (bad M104 range and friends) must not take the
// control loop down with it.
func (self *Machine) process_command(line string) {
	defer sys.CatchPanic()
	self.Gcode.Process_line(line)
}

// Close tears the boundaries down, aggregating whatever fails.
func (self *Machine) Close() error {
	self.shutdown()
	self.wg.Wait()
	var err error
	if self.transport != nil {
		err = multierr.Append(err, self.transport.Close())
	}
	err = multierr.Append(err, logger.Sync())
	return err
}
