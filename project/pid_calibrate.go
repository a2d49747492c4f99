// Relay autotune for the hotend PID (M303). Drives the heater between
// two power levels around the target and derives classic
// Ziegler-Nichols gains from the oscillation it provokes.
package project

import (
	"errors"
	"fmt"
	"math"

	"i3go/common/logger"
)

const (
	autotune_max_power = 255
	// Bail out if the oscillation overshoots this far; something is off.
	autotune_overshoot_limit = 30.0
	// Hard cap on wall time for the whole tune.
	autotune_timeout_ms = 20 * 60 * 1000
)

// Pid_autotune runs the relay experiment. idle must pump Manage_heater
// so fresh conversions keep arriving; now supplies milliseconds. The
// returned gains are in the M301 scale.
func (self *Temperature) Pid_autotune(target float64, ncycles int, idle func(), now func() int64) (float64, float64, float64, error) {
	if target <= 0 || target > self.Max_temp {
		return 0, 0, 0, fmt.Errorf("autotune target %.1f out of range", target)
	}
	if ncycles < 3 {
		ncycles = 3
	}

	self.autotuning = true
	defer func() {
		self.autotuning = false
		self.set_soft_pwm_amount(0)
	}()

	bias := float64(autotune_max_power) / 2
	d := bias
	heating := true
	cycles := 0

	t_start := now()
	t1 := t_start
	t2 := t_start
	var t_high, t_low int64
	min_temp := target
	max_temp := target
	var kp, ki, kd float64

	self.set_soft_pwm_amount(uint8(bias))

	last_seen := self.Current_temperature
	for cycles < ncycles {
		if now()-t_start > autotune_timeout_ms {
			return 0, 0, 0, errors.New("autotune timed out")
		}
		if self.killed {
			return 0, 0, 0, errors.New("autotune aborted by thermal fault")
		}
		idle()
		current := self.Current_temperature
		if current == last_seen {
			continue
		}
		last_seen = current
		max_temp = math.Max(max_temp, current)
		min_temp = math.Min(min_temp, current)

		if current > target+autotune_overshoot_limit {
			return 0, 0, 0, errors.New("autotune overshot, check heater wiring")
		}

		if heating && current > target {
			heating = false
			self.set_soft_pwm_amount(uint8((bias - d) / 2))
			t1 = now()
			t_high = t1 - t2
			max_temp = target
		}
		if !heating && current < target {
			heating = true
			t2 = now()
			t_low = t2 - t1
			if cycles > 0 {
				bias += (d * float64(t_high-t_low)) / float64(t_low+t_high)
				bias = math.Max(20, math.Min(autotune_max_power-20, bias))
				if bias > autotune_max_power/2 {
					d = autotune_max_power - 1 - bias
				} else {
					d = bias
				}
				if cycles > 2 {
					// Ultimate gain from the relay amplitude d and the
					// temperature swing.
					ku := (4.0 * d) / (math.Pi * (max_temp - min_temp) / 2.0)
					tu := float64(t_low+t_high) / 1000.0
					kp = 0.6 * ku
					ki = 2 * kp / tu
					kd = kp * tu / 8
					logger.Debugf("autotune cycle %d: Ku=%.2f Tu=%.2f", cycles, ku, tu)
				}
			}
			self.set_soft_pwm_amount(uint8((bias + d) / 2))
			cycles++
			min_temp = target
		}
	}
	return kp, ki, kd, nil
}
