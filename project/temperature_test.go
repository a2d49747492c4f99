package project

import (
	"math"
	"testing"

	"i3go/common/config"
)

// pump runs one full ADC cycle so a fresh pair is published, then one
// manage pass at the given time.
func pump(m *Machine, sim *HeatSim, now int64) {
	for i := 0; i < 4; i++ {
		m.Temperature.Adc_isr()
	}
	m.Temperature.Manage_heater(now)
}

func newThermalRig(t *testing.T) (*Machine, *HeatSim) {
	t.Helper()
	cfg := config.Default()
	cfg.Log.File = ""
	cfg.Storage.SettingsFile = t.TempDir() + "/settings.eep"
	sim := NewHeatSim(DefaultThermistorTable(), DefaultThermistorTable())
	m := NewMachine(cfg, sim, sim, nil)
	return m, sim
}

func TestThermistorTableMonotone(t *testing.T) {
	table := DefaultThermistorTable()
	if !table.Temp_is_falling() {
		t.Fatal("NTC with pull-up should read colder at higher raw values")
	}
	prev := math.Inf(1)
	for raw := table.raws[0]; raw <= table.raws[len(table.raws)-1]; raw += 16 {
		temp := table.Temperature(raw)
		if temp > prev+1e-9 {
			t.Fatalf("conversion not monotone at raw %f: %f > %f", raw, temp, prev)
		}
		prev = temp
	}
}

func TestThermistorInverseOnVertices(t *testing.T) {
	table := DefaultThermistorTable()
	for i := range table.raws {
		raw := table.Raw_for_temperature(table.temps[i])
		if !nearlyEqual(raw, table.raws[i], 1e-6) {
			t.Errorf("inverse(%f) = %f, want %f", table.temps[i], raw, table.raws[i])
		}
		temp := table.Temperature(table.raws[i])
		if !nearlyEqual(temp, table.temps[i], 1e-6) {
			t.Errorf("convert(%f) = %f, want %f", table.raws[i], temp, table.temps[i])
		}
	}
}

func TestAdcPipelinePublishesPair(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Hotend_temp = 200
	sim.Bed_temp = 60

	if m.Temperature.update_temperatures_from_raw() {
		t.Fatal("no pair should be ready before a full ADC cycle")
	}
	pump(m, sim, 0)
	if !nearlyEqual(m.Temperature.Current_temperature, 200, 2.0) {
		t.Fatalf("hotend conversion off: %f", m.Temperature.Current_temperature)
	}
	if !nearlyEqual(m.Temperature.Current_temperature_bed, 60, 2.0) {
		t.Fatalf("bed conversion off: %f", m.Temperature.Current_temperature_bed)
	}
}

func TestDutyZeroWithZeroTarget(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Hotend_temp = 30

	for i := 0; i < 5; i++ {
		pump(m, sim, int64(i*100))
		if m.Temperature.Soft_pwm_amount() != 0 {
			t.Fatal("duty must stay 0 while no target is set")
		}
	}
	// And the physical pin stays low across a full PWM window.
	for i := 0; i < 256*SOFT_PWM_SKIP_MASK; i++ {
		m.Soft_pwm.Isr()
		if sim.Hotend_output() {
			t.Fatal("heater output must stay low with zero duty")
		}
	}
}

func TestHeaterDrivesTowardTarget(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Hotend_temp = 150

	m.Temperature.Set_target_hotend(210, 0)
	pump(m, sim, 100)
	if m.Temperature.Soft_pwm_amount() == 0 {
		t.Fatal("a cold hotend with a hot target should get power")
	}
}

func TestBangBangHysteresis(t *testing.T) {
	c := NewControlBangBang(2.0)
	if c.Get_power(50, 60) != 255 {
		t.Fatal("well below target: full power")
	}
	if c.Get_power(61, 60) != 255 {
		t.Fatal("inside the hysteresis band while heating: stay on")
	}
	if c.Get_power(63, 60) != 0 {
		t.Fatal("above target+delta: off")
	}
	if c.Get_power(59, 60) != 0 {
		t.Fatal("inside the band while cooling: stay off")
	}
	if c.Get_power(57, 60) != 255 {
		t.Fatal("below target-delta: back on")
	}
}

func TestPidPowerBounded(t *testing.T) {
	pid := NewControlPID(21, 1.25, 86)
	for temp := 0.0; temp <= 300; temp += 10 {
		duty := pid.Get_power(temp, 200)
		_ = duty // uint8 is bounded by construction; exercise for panics
	}
	cold := NewControlPID(21, 1.25, 86)
	if cold.Get_power(100, 200) == 0 {
		t.Fatal("a 100 degree error should produce power")
	}
}

func TestWatchRiseFailureKills(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Stuck = true
	sim.Hotend_temp = 25

	pump(m, sim, 0)
	m.Temperature.Set_target_hotend(200, 0)
	pump(m, sim, 1000)
	if m.Temperature.Is_killed() {
		t.Fatal("killed too early")
	}

	// Watch period expires with no rise at all.
	pump(m, sim, int64(m.Config.Safety.WatchPeriodSec*1000)+1500)
	if !m.Temperature.Is_killed() {
		t.Fatal("stuck temperature must trip the watch-rise guard")
	}
	if m.Temperature.Soft_pwm_amount() != 0 {
		t.Fatal("kill must drop the heater duty")
	}
	if m.Is_running() {
		t.Fatal("kill must stop the machine")
	}
}

func TestThermalRunawayAfterStable(t *testing.T) {
	m, sim := newThermalRig(t)

	sim.Stuck = true
	sim.Hotend_temp = 200
	pump(m, sim, 0)
	m.Temperature.Set_target_hotend(200, 0)

	// Reaches target: FirstHeating -> Stable, timer armed.
	pump(m, sim, 1000)
	if m.Temperature.tr_state != TRStable {
		t.Fatalf("expected stable state, got %d", m.Temperature.tr_state)
	}

	// Falls below target-hysteresis and stays there past the period. The
	// oversampling average needs a few cycles to track the drop.
	sim.Hotend_temp = 180
	for i := 0; i < 30; i++ {
		pump(m, sim, 2000+int64(i)*100)
	}
	if m.Temperature.Is_killed() {
		t.Fatal("runaway must not fire before the period expires")
	}
	pump(m, sim, 2000+int64(m.Config.Safety.RunawayPeriodSec*1000)+1000)
	if !m.Temperature.Is_killed() {
		t.Fatal("sustained droop below target must be treated as runaway")
	}
	if m.Temperature.Soft_pwm_amount() != 0 || m.Temperature.Bed_pwm_amount() != 0 {
		t.Fatal("runaway must disable every heater")
	}
}

func TestTargetChangeRestartsRunawayGuard(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Stuck = true
	sim.Hotend_temp = 200
	pump(m, sim, 0)

	m.Temperature.Set_target_hotend(200, 0)
	pump(m, sim, 1000)
	if m.Temperature.tr_state != TRStable {
		t.Fatalf("expected stable, got %d", m.Temperature.tr_state)
	}
	m.Temperature.Set_target_hotend(250, 2000)
	pump(m, sim, 3000)
	if m.Temperature.tr_state != TRFirstHeating {
		t.Fatalf("target change must restart the guard, got %d", m.Temperature.tr_state)
	}
}

func TestRawFaultOnlyWithTargetSet(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Hotend_temp = 310 // beyond the calibrated maximum

	pump(m, sim, 0)
	if m.Temperature.Is_killed() {
		t.Fatal("out-of-range raw with no target must not kill")
	}

	m.Temperature.Set_target_hotend(200, 0)
	pump(m, sim, 100)
	if !m.Temperature.Is_killed() {
		t.Fatal("out-of-range raw with an active target is a fault")
	}
}

func TestTrendFollowsTemperature(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Hotend_temp = 25
	pump(m, sim, 0)
	for i := 1; i <= 10; i++ {
		sim.Hotend_temp += 3
		pump(m, sim, int64(i)*100)
	}
	if !m.Temperature.Trend_rising() {
		t.Fatal("steady heating should read as a rising trend")
	}
	for i := 11; i <= 30; i++ {
		sim.Hotend_temp -= 3
		pump(m, sim, int64(i)*100)
	}
	if m.Temperature.Trend_rising() {
		t.Fatal("steady cooling should read as a falling trend")
	}
}

func TestColdExtrudePredicate(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Hotend_temp = 25
	pump(m, sim, 0)
	if !m.Temperature.Is_coldextrude() {
		t.Fatal("ambient hotend is too cold to extrude")
	}

	sim.Hotend_temp = 200
	for i := 0; i < 150; i++ {
		pump(m, sim, 100+int64(i))
	}
	if m.Temperature.Is_coldextrude() {
		t.Fatal("a hot hotend may extrude")
	}

	sim.Hotend_temp = 25
	for i := 0; i < 200; i++ {
		pump(m, sim, 300+int64(i))
	}
	m.Temperature.Allow_cold_extrude = true
	if m.Temperature.Is_coldextrude() {
		t.Fatal("override must permit cold extrusion")
	}
}

func TestBedBangBangRange(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Bed_temp = 40
	m.Temperature.Set_target_bed(60, 0)
	pump(m, sim, 100)
	if m.Temperature.Bed_pwm_amount() != 255 {
		t.Fatal("cold bed below target should heat")
	}

	sim.Bed_temp = 65
	for i := 0; i < 200; i++ {
		pump(m, sim, 200+int64(i))
	}
	if m.Temperature.Bed_pwm_amount() != 0 {
		t.Fatal("bed above target should not heat")
	}
}
