package project

import "testing"

func TestIdleServicesHeaters(t *testing.T) {
	m, sim := newThermalRig(t)
	sim.Hotend_temp = 180

	for i := 0; i < 4; i++ {
		m.Temperature.Adc_isr()
	}
	m.Idle()
	if !nearlyEqual(m.Temperature.Current_temperature, 180, 2.0) {
		t.Fatalf("idle should consume the ADC pair, got %f", m.Temperature.Current_temperature)
	}
}

func TestDwellWaitsOutThePeriod(t *testing.T) {
	m, _ := newThermalRig(t)
	// Every clock read advances fake time.
	var now int64
	m.Set_clock(func() int64 { now += 10; return now })

	before := now
	m.Dwell(50)
	if now-before < 50 {
		t.Fatalf("dwell returned after only %d ms", now-before)
	}
}

func TestWaitForMovesDrainsRing(t *testing.T) {
	m, _ := newThermalRig(t)
	m.Planner.Buffer_line(1, 0, 0, 0, 60, 0)

	go func() {
		for m.Stepper.Pulse() {
		}
	}()
	m.Wait_for_moves()
	if !m.Planner.Is_empty() {
		t.Fatal("wait_for_moves returned with blocks queued")
	}
}

func TestInactivityDisablesSteppers(t *testing.T) {
	m, _ := newThermalRig(t)
	var now int64
	m.Set_clock(func() int64 { return now })
	m.Note_activity()

	now = int64(m.Config.Safety.StepperIdleSec*1000) + 1000
	m.Idle()
	if !m.steppers_disabled {
		t.Fatal("long idle must disable the steppers")
	}

	m.Note_activity()
	if m.steppers_disabled {
		t.Fatal("new activity must re-enable")
	}
}

func TestKillStopsEverythingOnce(t *testing.T) {
	m, _ := newThermalRig(t)
	m.Planner.Buffer_line(5, 0, 0, 0, 60, 0)
	m.Temperature.Set_target_hotend(200, 0)

	m.Kill("test fault")
	if m.Is_running() {
		t.Fatal("kill must clear the running flag")
	}
	if !m.Planner.Is_empty() {
		t.Fatal("kill must flush the planner")
	}
	if m.Temperature.Target_temperature != 0 {
		t.Fatal("kill must clear heater targets")
	}
	// Second kill is the paranoia path; it must not panic.
	m.Kill("again")
}
