// First-order thermal model standing in for the analog side when no
// board is attached. It is the AdcReader and PinWriter in one: the PWM
// tick drives the pins, Step integrates the physics, the sampler reads
// the resulting temperatures back through the thermistor curve.
package project

import "sync"

type HeatSim struct {
	mu sync.Mutex

	table     *ThermistorTable
	bed_table *ThermistorTable

	Hotend_temp float64
	Bed_temp    float64
	Ambient     float64

	hotend_on bool
	bed_on    bool

	// Degrees per second at full power / per degree above ambient.
	Heat_rate     float64
	Cool_rate     float64
	Bed_heat_rate float64
	Bed_cool_rate float64

	// Freeze the model to provoke the watch-rise and runaway guards.
	Stuck bool
}

func NewHeatSim(table, bed_table *ThermistorTable) *HeatSim {
	self := &HeatSim{}
	self.table = table
	self.bed_table = bed_table
	self.Ambient = 25
	self.Hotend_temp = 25
	self.Bed_temp = 25
	self.Heat_rate = 4.0
	self.Cool_rate = 0.02
	self.Bed_heat_rate = 0.5
	self.Bed_cool_rate = 0.005
	return self
}

func (self *HeatSim) Read_hotend() uint16 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return uint16(self.table.Raw_for_temperature(self.Hotend_temp) / OVERSAMPLENR)
}

func (self *HeatSim) Read_bed() uint16 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return uint16(self.bed_table.Raw_for_temperature(self.Bed_temp) / OVERSAMPLENR)
}

func (self *HeatSim) Write_heater(heater int, on bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	switch heater {
	case HEATER_HOTEND:
		self.hotend_on = on
	case HEATER_BED:
		self.bed_on = on
	}
}

func (self *HeatSim) Write_fan(int, bool) {}

func (self *HeatSim) Hotend_output() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.hotend_on
}

func (self *HeatSim) Bed_output() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.bed_on
}

// Step advances the model dt milliseconds.
func (self *HeatSim) Step(dt_ms float64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.Stuck {
		return
	}
	dt := dt_ms / 1000.0
	if self.hotend_on {
		self.Hotend_temp += self.Heat_rate * dt
	}
	self.Hotend_temp -= (self.Hotend_temp - self.Ambient) * self.Cool_rate * dt
	if self.bed_on {
		self.Bed_temp += self.Bed_heat_rate * dt
	}
	self.Bed_temp -= (self.Bed_temp - self.Ambient) * self.Bed_cool_rate * dt
}
