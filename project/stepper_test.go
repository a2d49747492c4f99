package project

import "testing"

func TestStepperExecutesBlockToPosition(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	s := m.Stepper

	p.Buffer_line(10, 0, 0, 0, 60, 0)

	events := s.Run_until_idle(10000)
	if events != 800 {
		t.Fatalf("expected 800 step events, got %d", events)
	}
	if got := s.Position(X_AXIS); got != 800 {
		t.Fatalf("X position should be 800 steps, got %d", got)
	}
	if !p.Is_empty() {
		t.Fatal("ring should be drained")
	}
}

func TestStepperTracksDirection(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	s := m.Stepper

	p.Buffer_line(5, 0, 0, 0, 60, 0)
	s.Run_until_idle(10000)
	p.Buffer_line(2, 0, 0, 0, 60, 0)
	s.Run_until_idle(10000)

	if got := s.Position(X_AXIS); got != 160 {
		t.Fatalf("expected 160 steps after back-and-forth, got %d", got)
	}
	if got := p.Get_position_steps()[X_AXIS]; got != 160 {
		t.Fatalf("planner position should agree, got %d", got)
	}
}

func TestGetCurrentBlockRespectsRecalculate(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	s := m.Stepper

	if s.Get_current_block() != nil {
		t.Fatal("empty ring must yield nil")
	}

	p.Buffer_line(10, 0, 0, 0, 60, 0)
	tail := &p.block_buffer[p.tail_index()]
	tail.flag |= BLOCK_FLAG_RECALCULATE
	if s.Get_current_block() != nil {
		t.Fatal("a block still flagged for recalculation is not claimable")
	}
	tail.flag &^= BLOCK_FLAG_RECALCULATE
	if s.Get_current_block() == nil {
		t.Fatal("clean block should be claimable")
	}
	if !tail.Is_busy() {
		t.Fatal("claiming must set the busy flag")
	}
}

func TestBusyBlockRejectsTrapezoidUpdate(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	s := m.Stepper

	p.Buffer_line(10, 0, 0, 0, 60, 0)
	block := s.Get_current_block()
	if block == nil {
		t.Fatal("expected claimable block")
	}

	before_initial := block.Initial_rate
	before_until := block.Accelerate_until
	p.Calculate_trapezoid_for_block(block, 4000, 4000)
	if block.Initial_rate != before_initial || block.Accelerate_until != before_until {
		t.Fatal("trapezoid of a busy block must not change")
	}
}

func TestQuickStopFlushesRing(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	s := m.Stepper

	for i := 1; i <= 4; i++ {
		p.Buffer_line(float64(i), 0, 0, 0, 60, 0)
	}
	// Partially execute, then abort.
	for i := 0; i < 100; i++ {
		s.Pulse()
	}
	s.Quick_stop()

	if !p.Is_empty() {
		t.Fatal("quick stop must flush the ring")
	}

	// The physical counters survive; the planner resyncs from them.
	p.Sync_from_steppers()
	if p.Get_position_steps() != s.Position_all() {
		t.Fatalf("planner position %v should match steppers %v", p.Get_position_steps(), s.Position_all())
	}
}

func TestRateRampStaysInsideTrapezoid(t *testing.T) {
	m := newTestMachine(t)
	p := m.Planner
	s := m.Stepper

	p.Buffer_line(10, 0, 0, 0, 60, 0)
	block := &p.block_buffer[p.tail_index()]
	nominal := float64(block.Nominal_rate)

	for s.Pulse() {
		rate := s.Current_rate()
		if rate < MINIMAL_STEP_RATE-1e-9 || rate > nominal+1e-6 {
			t.Fatalf("step rate %f outside [%d, %f]", rate, MINIMAL_STEP_RATE, nominal)
		}
	}
}
