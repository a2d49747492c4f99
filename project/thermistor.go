// Thermistor lookup tables. Raw oversampled ADC readings map to degrees
// Celsius through a monotone piecewise-linear table; the inverse maps the
// configured min/max temperatures back to the raw thresholds the safety
// checks compare against.
package project

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"i3go/common/utils/maths"
)

// Table raw values are in oversampled units: a 10-bit conversion times
// OVERSAMPLENR.
const OVERSAMPLENR = 16

type ThermistorTable struct {
	Name string
	// Ascending raw values with their temperatures. Temp runs the other
	// way for an NTC with pull-up, but either polarity is accepted as
	// long as both columns stay strictly monotone.
	raws  []float64
	temps []float64
}

type thermistorFile struct {
	Name   string       `yaml:"name"`
	Points [][2]float64 `yaml:"points"`
}

func NewThermistorTable(name string, points [][2]float64) (*ThermistorTable, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("thermistor %s: need at least two points", name)
	}
	self := &ThermistorTable{Name: name}
	self.raws = make([]float64, len(points))
	self.temps = make([]float64, len(points))
	for i, p := range points {
		self.raws[i] = p[0]
		self.temps[i] = p[1]
	}
	rising := self.temps[1] > self.temps[0]
	for i := 1; i < len(points); i++ {
		if self.raws[i] <= self.raws[i-1] {
			return nil, fmt.Errorf("thermistor %s: raw column not strictly increasing at %d", name, i)
		}
		if rising && self.temps[i] <= self.temps[i-1] || !rising && self.temps[i] >= self.temps[i-1] {
			return nil, fmt.Errorf("thermistor %s: temperature column not strictly monotone at %d", name, i)
		}
	}
	return self, nil
}

func LoadThermistorTable(path string) (*ThermistorTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf thermistorFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("thermistor %s: %w", path, err)
	}
	return NewThermistorTable(tf.Name, tf.Points)
}

// Temp_is_falling reports the polarity: true when temperature decreases
// as the raw reading grows (NTC with pull-up).
func (self *ThermistorTable) Temp_is_falling() bool {
	return self.temps[len(self.temps)-1] < self.temps[0]
}

// Clamp_raw saturates a reading onto the calibrated range.
func (self *ThermistorTable) Clamp_raw(raw float64) float64 {
	return maths.Saturate(raw, self.raws[0], self.raws[len(self.raws)-1])
}

// Temperature converts a raw oversampled reading to degrees.
func (self *ThermistorTable) Temperature(raw float64) float64 {
	raw = self.Clamp_raw(raw)
	i := maths.Float_binarySearch(self.raws, raw)
	if i <= 0 {
		return self.temps[0]
	}
	if i >= len(self.raws) {
		return self.temps[len(self.temps)-1]
	}
	return maths.LinearInterpolate(self.raws[i-1], self.temps[i-1], self.raws[i], self.temps[i], raw)
}

// Raw_for_temperature is the inverse mapping; exact on table vertices.
func (self *ThermistorTable) Raw_for_temperature(temp float64) float64 {
	n := len(self.temps)
	if self.Temp_is_falling() {
		if temp >= self.temps[0] {
			return self.raws[0]
		}
		if temp <= self.temps[n-1] {
			return self.raws[n-1]
		}
		for i := 1; i < n; i++ {
			if temp >= self.temps[i] {
				return maths.LinearInterpolate(self.temps[i], self.raws[i], self.temps[i-1], self.raws[i-1], temp)
			}
		}
	} else {
		if temp <= self.temps[0] {
			return self.raws[0]
		}
		if temp >= self.temps[n-1] {
			return self.raws[n-1]
		}
		for i := 1; i < n; i++ {
			if temp <= self.temps[i] {
				return maths.LinearInterpolate(self.temps[i-1], self.raws[i-1], self.temps[i], self.raws[i], temp)
			}
		}
	}
	return self.raws[n-1]
}

func ov(v float64) float64 { return v * OVERSAMPLENR }

// DefaultThermistorTable is the stock 100K NTC with a 4.7K pull-up.
func DefaultThermistorTable() *ThermistorTable {
	points := [][2]float64{
		{ov(23), 300}, {ov(27), 290}, {ov(31), 280}, {ov(35), 270},
		{ov(41), 260}, {ov(48), 250}, {ov(56), 240}, {ov(66), 230},
		{ov(78), 220}, {ov(92), 210}, {ov(109), 200}, {ov(131), 190},
		{ov(156), 180}, {ov(187), 170}, {ov(224), 160}, {ov(268), 150},
		{ov(320), 140}, {ov(379), 130}, {ov(445), 120}, {ov(516), 110},
		{ov(591), 100}, {ov(665), 90}, {ov(737), 80}, {ov(801), 70},
		{ov(857), 60}, {ov(903), 50}, {ov(939), 40}, {ov(966), 30},
		{ov(985), 20}, {ov(999), 10}, {ov(1008), 0},
	}
	table, err := NewThermistorTable("NTC 100K 4.7K pull-up", points)
	if err != nil {
		panic(err)
	}
	return table
}
