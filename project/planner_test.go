package project

import (
	"math"
	"testing"
	"time"

	"i3go/common/config"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	cfg := config.Default()
	cfg.Log.File = ""
	cfg.Storage.SettingsFile = t.TempDir() + "/settings.eep"
	sim := NewHeatSim(DefaultThermistorTable(), DefaultThermistorTable())
	return NewMachine(cfg, sim, sim, nil)
}

func nearlyEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func queuedBlocks(p *Planner) []*Block {
	var out []*Block
	for b := p.tail_index(); b != p.head_index(); b = next_block_index(b) {
		out = append(out, &p.block_buffer[b])
	}
	return out
}

func TestSingleStraightMove(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	p.Buffer_line(10, 0, 0, 0, 60, 0)

	blocks := queuedBlocks(p)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	b := blocks[0]
	if b.Steps != [NUM_AXIS]uint32{800, 0, 0, 0} {
		t.Fatalf("unexpected steps: %v", b.Steps)
	}
	if b.Step_event_count != 800 {
		t.Fatalf("unexpected step_event_count: %d", b.Step_event_count)
	}
	if !nearlyEqual(b.Millimeters, 10, 1e-9) {
		t.Fatalf("unexpected millimeters: %f", b.Millimeters)
	}
	if !nearlyEqual(b.Nominal_speed, 60, 1e-9) {
		t.Fatalf("unexpected nominal_speed: %f", b.Nominal_speed)
	}
	if b.Nominal_rate != 4800 {
		t.Fatalf("unexpected nominal_rate: %d", b.Nominal_rate)
	}
	if b.Initial_rate != MINIMAL_STEP_RATE || b.Final_rate != MINIMAL_STEP_RATE {
		t.Fatalf("expected min-rate endpoints, got %d/%d", b.Initial_rate, b.Final_rate)
	}
	// A travel move: travel acceleration 2000 is capped to 1500 by the X
	// axis limit. 60^2 < 2*1500*10, so the nominal rate is reachable and a
	// plateau must exist.
	if b.Accelerate_until >= b.Decelerate_after {
		t.Fatalf("expected a cruise phase, accel_until=%d decel_after=%d", b.Accelerate_until, b.Decelerate_after)
	}
	if b.Decelerate_after > b.Step_event_count {
		t.Fatalf("decelerate_after out of range: %d", b.Decelerate_after)
	}
}

func TestCollinearJunctionKeepsNominalSpeed(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	p.Buffer_line(5, 0, 0, 0, 60, 0)
	p.Buffer_line(10, 0, 0, 0, 60, 0)

	blocks := queuedBlocks(p)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	second := blocks[1]
	if !nearlyEqual(second.Max_entry_speed, 60, 1e-6) {
		t.Fatalf("collinear junction should allow nominal speed, got %f", second.Max_entry_speed)
	}
	if !nearlyEqual(second.Entry_speed, 60, 1e-6) {
		t.Fatalf("look-ahead should raise entry to nominal, got %f", second.Entry_speed)
	}
}

func TestRightAngleJunctionLimitedByJerk(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	p.Buffer_line(10, 0, 0, 0, 60, 0)
	p.Buffer_line(10, 10, 0, 0, 60, 0)

	blocks := queuedBlocks(p)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	// X and Y each see a 60 mm/s change against a 10 mm/s jerk limit;
	// both vectors scale by 10/60.
	second := blocks[1]
	if !nearlyEqual(second.Max_entry_speed, 10, 1e-6) {
		t.Fatalf("right-angle junction should reduce to 10 mm/s, got %f", second.Max_entry_speed)
	}
}

func TestExtruderReversalWithinJerk(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	m.Temperature.Allow_cold_extrude = true

	p.Buffer_line(0, 0, 0, 1, 5, 0)
	p.Buffer_line(0, 0, 0, 0, 5, 0)

	blocks := queuedBlocks(p)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	// Reversal jerk is max(|prev|, |cur|) = 5, not above the E jerk
	// limit of 5, so the junction keeps the full 5 mm/s.
	second := blocks[1]
	if !nearlyEqual(second.Max_entry_speed, 5, 1e-6) {
		t.Fatalf("reversal junction should stay at 5 mm/s, got %f", second.Max_entry_speed)
	}
}

func TestTinyMoveIsDropped(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	p.Buffer_line(0.01, 0, 0, 0, 60, 0)

	if !p.Is_empty() {
		t.Fatal("sub-threshold move must not enqueue a block")
	}
}

func TestZeroFeedrateClampedToMinimum(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	p.Buffer_line(10, 0, 0, 0, 0, 0)

	blocks := queuedBlocks(p)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if !nearlyEqual(blocks[0].Nominal_speed, p.Min_travel_feedrate_mm_s, 1e-9) {
		t.Fatalf("zero feedrate should clamp to %f, got %f", p.Min_travel_feedrate_mm_s, blocks[0].Nominal_speed)
	}
}

func TestPerAxisSpeedLimit(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	// Z max feedrate is 5 mm/s; ask for 50.
	p.Buffer_line(0, 0, 5, 0, 50, 0)

	blocks := queuedBlocks(p)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Nominal_speed > 5+1e-6 {
		t.Fatalf("Z move must be limited to 5 mm/s, got %f", blocks[0].Nominal_speed)
	}
}

func TestInvariantsAfterRecalculate(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	m.Temperature.Allow_cold_extrude = true

	moves := [][5]float64{
		{10, 0, 0, 0.5, 60},
		{10, 10, 0, 1.0, 120},
		{0, 10, 0, 1.5, 30},
		{0, 0, 0, 1.2, 90},
		{5, 5, 1, 2.0, 45},
		{6, 5, 1, 2.2, 200},
	}
	for _, mv := range moves {
		p.Buffer_line(mv[0], mv[1], mv[2], mv[3], mv[4], 0)
	}

	blocks := queuedBlocks(p)
	if len(blocks) != len(moves) {
		t.Fatalf("expected %d blocks, got %d", len(moves), len(blocks))
	}
	for i, b := range blocks {
		if b.Step_event_count != maths_max4(b.Steps) {
			t.Errorf("block %d: step_event_count != max(steps)", i)
		}
		if b.Millimeters <= 0 || b.Nominal_speed <= 0 || b.Nominal_rate == 0 {
			t.Errorf("block %d: non-positive basics", i)
		}
		if b.Entry_speed < 0 || b.Entry_speed > b.Max_entry_speed+1e-9 || b.Max_entry_speed > b.Nominal_speed+1e-9 {
			t.Errorf("block %d: entry speed ordering violated: %f %f %f", i, b.Entry_speed, b.Max_entry_speed, b.Nominal_speed)
		}
		if b.Accelerate_until > b.Decelerate_after || b.Decelerate_after > b.Step_event_count {
			t.Errorf("block %d: trapezoid indices out of order: %d %d %d", i, b.Accelerate_until, b.Decelerate_after, b.Step_event_count)
		}
		if b.Initial_rate < MINIMAL_STEP_RATE || b.Final_rate < MINIMAL_STEP_RATE {
			t.Errorf("block %d: rate below minimum", i)
		}
		// Per-axis speed never exceeds the axis limit.
		for axis := 0; axis < NUM_AXIS; axis++ {
			axisSpeed := b.Nominal_speed * (float64(b.Steps[axis]) * p.steps_to_mm[axis]) / b.Millimeters
			if axisSpeed > p.Max_feedrate_mm_s[axis]+1e-6 {
				t.Errorf("block %d axis %d: speed %f over limit %f", i, axis, axisSpeed, p.Max_feedrate_mm_s[axis])
			}
		}
	}
	// Adjacent pairs must be reachable under the one acceleration.
	for i := 0; i+1 < len(blocks); i++ {
		b, c := blocks[i], blocks[i+1]
		budget := b.Entry_speed*b.Entry_speed + 2*b.Acceleration*b.Millimeters
		if c.Entry_speed*c.Entry_speed > budget+1e-6 {
			t.Errorf("junction %d: exit unreachable: %f^2 > %f", i, c.Entry_speed, budget)
		}
		back := c.Entry_speed*c.Entry_speed + 2*b.Acceleration*b.Millimeters
		if b.Entry_speed*b.Entry_speed > back+1e-6 {
			t.Errorf("junction %d: entry unstoppable: %f^2 > %f", i, b.Entry_speed, back)
		}
	}
}

func maths_max4(steps [NUM_AXIS]uint32) uint32 {
	out := steps[0]
	for _, v := range steps[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

func TestSetPositionRoundTrip(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	p.Set_position_mm_all(12.3, -4.5, 0.775, 3.21)
	want := [NUM_AXIS]int32{
		int32(math.Round(12.3 * 80)),
		int32(math.Round(-4.5 * 80)),
		int32(math.Round(0.775 * 400)),
		int32(math.Round(3.21 * 100)),
	}
	if p.Get_position_steps() != want {
		t.Fatalf("position steps mismatch: got %v want %v", p.Get_position_steps(), want)
	}

	// Setting the same mm again must be a fixed point in the step domain.
	pos := p.Get_position_mm()
	p.Set_position_mm_all(pos[0], pos[1], pos[2], pos[3])
	if p.Get_position_steps() != want {
		t.Fatalf("round-trip not bit-exact in steps: %v", p.Get_position_steps())
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	p.Flush()
	if !p.Is_empty() {
		t.Fatal("flush of empty ring changed state")
	}

	p.Buffer_line(10, 0, 0, 0, 60, 0)
	p.Flush()
	if !p.Is_empty() {
		t.Fatal("flush left blocks behind")
	}
}

func TestBufferFillsToCapacityMinusOne(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	for i := 1; i <= BLOCK_BUFFER_SIZE-1; i++ {
		p.Buffer_line(float64(i), 0, 0, 0, 60, 0)
	}
	if !p.Is_full() {
		t.Fatalf("ring should be full after %d moves, planned=%d", BLOCK_BUFFER_SIZE-1, p.Moves_planned())
	}
	if p.Moves_planned() != BLOCK_BUFFER_SIZE-1 {
		t.Fatalf("expected %d planned moves, got %d", BLOCK_BUFFER_SIZE-1, p.Moves_planned())
	}
}

func TestFullBufferBlocksUntilRetire(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner

	for i := 1; i <= BLOCK_BUFFER_SIZE-1; i++ {
		p.Buffer_line(float64(i)*0.1, 0, 0, 0, 60, 0)
	}
	if !p.Is_full() {
		t.Fatal("ring should be full")
	}

	done := make(chan struct{})
	go func() {
		p.Buffer_line(float64(BLOCK_BUFFER_SIZE)*0.1, 0, 0, 0, 60, 0)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("enqueue into a full ring must block")
	case <-time.After(50 * time.Millisecond):
	}

	// Retire one block; the blocked producer must complete.
	for m.Stepper.Pulse() {
		if p.Moves_planned() < BLOCK_BUFFER_SIZE-1 {
			break
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after a block was retired")
	}
}

func TestColdExtrusionCollapsesE(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	// Ambient temperature, extrusion must be suppressed.

	p.Buffer_line(10, 0, 0, 5, 60, 0)
	blocks := queuedBlocks(p)
	if len(blocks) != 1 {
		t.Fatalf("expected the XY part to survive, got %d blocks", len(blocks))
	}
	if blocks[0].Steps[E_AXIS] != 0 {
		t.Fatalf("E steps should be collapsed, got %d", blocks[0].Steps[E_AXIS])
	}
	if p.Get_position_steps()[E_AXIS] != 500 {
		t.Fatalf("E position should track the target, got %d", p.Get_position_steps()[E_AXIS])
	}
}

func TestFlowPercentageScalesESteps(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	m.Temperature.Allow_cold_extrude = true
	p.Set_flow_percentage(0, 50)

	p.Buffer_line(0, 0, 0, 1, 5, 0)
	blocks := queuedBlocks(p)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Steps[E_AXIS] != 50 {
		t.Fatalf("50%% flow of 100 steps should be 50, got %d", blocks[0].Steps[E_AXIS])
	}
}
