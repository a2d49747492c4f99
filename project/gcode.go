// Serial command boundary: line discipline (line numbers, XOR checksum,
// Resend) and dispatch of the supported commands onto the core.
package project

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"i3go/common/logger"
	"i3go/project/queue"
)

// Reporter is how core components talk back over the command channel.
type Reporter interface {
	Echo(msg string)
	Error(msg string)
}

type gcodeArgs map[byte]float64

func (a gcodeArgs) has(letter byte) bool {
	_, ok := a[letter]
	return ok
}

func (a gcodeArgs) get(letter byte, def float64) float64 {
	if v, ok := a[letter]; ok {
		return v
	}
	return def
}

type GCodeDispatch struct {
	machine *Machine
	out     io.Writer
	out_mu  sync.Mutex

	last_line_number int64

	// Modal state.
	absolute_mode    bool
	absolute_e       bool
	feedrate_mm_s    float64
	feedrate_percent int
	active_extruder  int
}

func NewGCodeDispatch(machine *Machine, out io.Writer) *GCodeDispatch {
	self := &GCodeDispatch{}
	self.machine = machine
	self.out = out
	self.last_line_number = 0
	self.absolute_mode = true
	self.absolute_e = true
	self.feedrate_mm_s = 25.0
	self.feedrate_percent = 100
	return self
}

func (self *GCodeDispatch) respond(line string) {
	self.out_mu.Lock()
	defer self.out_mu.Unlock()
	if self.out != nil {
		fmt.Fprintf(self.out, "%s\r\n", line)
	}
}

func (self *GCodeDispatch) Ok() {
	self.respond("ok")
}

func (self *GCodeDispatch) Echo(msg string) {
	self.respond("echo:" + msg)
}

func (self *GCodeDispatch) Error(msg string) {
	self.respond("error:" + msg)
}

func (self *GCodeDispatch) resend() {
	self.respond(fmt.Sprintf("Resend:%d", self.last_line_number+1))
}

// xor_checksum covers every byte ahead of the '*'.
func xor_checksum(s string) uint8 {
	var cs uint8
	for i := 0; i < len(s); i++ {
		cs ^= s[i]
	}
	return cs
}

// Process_line applies the wire discipline to one raw line and, when it
// survives, dispatches the command. Garbled framing never reaches the
// planner; it answers error + Resend instead.
func (self *GCodeDispatch) Process_line(raw string) {
	line := strings.TrimRight(raw, "\r\n")
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	self.machine.Note_activity()

	if line[0] == 'N' || line[0] == 'n' {
		star := strings.IndexByte(line, '*')
		if star < 0 {
			self.Error("missing checksum on numbered line")
			self.resend()
			return
		}
		body := line[:star]
		want, err := strconv.ParseUint(strings.TrimSpace(line[star+1:]), 10, 8)
		if err != nil || uint8(want) != xor_checksum(body) {
			self.Error("checksum mismatch")
			self.resend()
			return
		}
		rest := strings.TrimSpace(body[1:])
		numEnd := 0
		for numEnd < len(rest) && (rest[numEnd] >= '0' && rest[numEnd] <= '9') {
			numEnd++
		}
		n, err := strconv.ParseInt(rest[:numEnd], 10, 64)
		if err != nil {
			self.Error("bad line number")
			self.resend()
			return
		}
		cmd := strings.TrimSpace(rest[numEnd:])
		if strings.HasPrefix(cmd, "M110") {
			self.last_line_number = n
			self.dispatch(cmd)
			return
		}
		if n != self.last_line_number+1 {
			self.Error(fmt.Sprintf("line number is not last line number+1, last line: %d", self.last_line_number))
			self.resend()
			return
		}
		self.last_line_number = n
		self.dispatch(cmd)
		return
	}

	self.dispatch(line)
}

func parse_args(fields []string) (gcodeArgs, bool) {
	args := gcodeArgs{}
	for _, f := range fields {
		if f == "" {
			continue
		}
		letter := f[0] &^ 0x20
		if letter < 'A' || letter > 'Z' {
			return nil, false
		}
		if len(f) == 1 {
			args[letter] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(f[1:], 64)
		if err != nil {
			return nil, false
		}
		args[letter] = v
	}
	return args, true
}

func (self *GCodeDispatch) dispatch(cmd string) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		self.Ok()
		return
	}
	head := strings.ToUpper(fields[0])
	args, ok := parse_args(fields[1:])
	if !ok {
		self.Error("unable to parse command arguments: " + cmd)
		self.Ok()
		return
	}

	m := self.machine
	switch head {
	case "G0", "G1":
		self.cmd_G1(args)
	case "G4":
		ms := args.get('P', 0)
		if args.has('S') {
			ms = args.get('S', 0) * 1000
		}
		m.Dwell(int64(ms))
	case "G90":
		self.absolute_mode = true
		self.absolute_e = true
	case "G91":
		self.absolute_mode = false
		self.absolute_e = false
	case "G92":
		self.cmd_G92(args)
	case "M82":
		self.absolute_e = true
	case "M83":
		self.absolute_e = false
	case "M104":
		m.Temperature.Set_target_hotend(args.get('S', 0), m.Now_ms())
	case "M109":
		m.Temperature.Set_target_hotend(args.get('S', args.get('R', 0)), m.Now_ms())
		self.wait_for_hotend()
	case "M140":
		m.Temperature.Set_target_bed(args.get('S', 0), m.Now_ms())
	case "M190":
		m.Temperature.Set_target_bed(args.get('S', args.get('R', 0)), m.Now_ms())
		self.wait_for_bed()
	case "M105":
		self.respond("ok " + m.Temperature.Report_line())
		return
	case "M106":
		fan := int(args.get('P', 0))
		m.Planner.Set_fan_speed(fan, uint8(math.Max(0, math.Min(args.get('S', 255), 255))))
	case "M107":
		m.Planner.Set_fan_speed(int(args.get('P', 0)), 0)
	case "M110":
		// Line number already latched by the framing layer.
	case "M112":
		m.Emergency_stop()
		return
	case "M114":
		pos := m.Planner.Get_position_mm()
		self.respond(fmt.Sprintf("X:%.2f Y:%.2f Z:%.2f E:%.2f", pos[X_AXIS], pos[Y_AXIS], pos[Z_AXIS], pos[E_AXIS]))
	case "M92":
		for i, letter := range []byte{'X', 'Y', 'Z', 'E'} {
			if args.has(letter) {
				m.Planner.Axis_steps_per_mm[i] = args.get(letter, m.Planner.Axis_steps_per_mm[i])
			}
		}
		m.Planner.Refresh_positioning()
	case "M201":
		for i, letter := range []byte{'X', 'Y', 'Z', 'E'} {
			if args.has(letter) {
				m.Planner.Max_acceleration_mm_per_s2[i] = args.get(letter, 0)
			}
		}
		m.Planner.Reset_acceleration_rates()
	case "M203":
		for i, letter := range []byte{'X', 'Y', 'Z', 'E'} {
			if args.has(letter) {
				m.Planner.Max_feedrate_mm_s[i] = args.get(letter, 0)
			}
		}
	case "M204":
		if args.has('S') {
			m.Planner.Acceleration = args.get('S', 0)
		}
		if args.has('P') {
			m.Planner.Acceleration = args.get('P', 0)
		}
		if args.has('R') {
			m.Planner.Retract_acceleration = args.get('R', 0)
		}
		if args.has('T') {
			m.Planner.Travel_acceleration = args.get('T', 0)
		}
	case "M205":
		if args.has('S') {
			m.Planner.Min_feedrate_mm_s = args.get('S', 0)
		}
		if args.has('T') {
			m.Planner.Min_travel_feedrate_mm_s = args.get('T', 0)
		}
		if args.has('B') {
			m.Planner.Min_segment_time_us = int64(args.get('B', 0))
		}
		for i, letter := range []byte{'X', 'Y', 'Z', 'E'} {
			if args.has(letter) {
				m.Planner.Max_jerk[i] = args.get(letter, 0)
			}
		}
	case "M206":
		for i, letter := range []byte{'X', 'Y', 'Z'} {
			if args.has(letter) {
				m.Settings.Home_offset[i] = args.get(letter, 0)
			}
		}
	case "M220":
		if args.has('S') {
			pct := int(args.get('S', 100))
			if pct > 0 {
				self.feedrate_percent = pct
			}
		}
	case "M221":
		m.Planner.Set_flow_percentage(self.active_extruder, int(args.get('S', 100)))
	case "M301":
		self.cmd_pid(args, &m.Settings.Hotend_pid)
		m.Settings.apply_pid()
	case "M304":
		self.cmd_pid(args, &m.Settings.Bed_pid)
	case "M302":
		if args.has('S') {
			m.Temperature.Min_extrude_temp = args.get('S', 0)
			m.Temperature.Allow_cold_extrude = args.get('S', 0) <= 0
		} else if args.has('P') {
			m.Temperature.Allow_cold_extrude = args.get('P', 0) != 0
		} else {
			self.Echo(fmt.Sprintf("cold extrusion %v (min temp %.0f)",
				map[bool]string{true: "allowed", false: "prevented"}[m.Temperature.Allow_cold_extrude],
				m.Temperature.Min_extrude_temp))
		}
	case "M303":
		self.cmd_M303(args)
	case "M145":
		self.cmd_M145(args)
	case "M500":
		if err := m.Settings.Save(); err != nil {
			self.Error(err.Error())
		}
	case "M501":
		if err := m.Settings.Load(); err != nil {
			self.Error(err.Error())
		}
	case "M502":
		m.Settings.Reset(m.Config)
	case "M503":
		report, err := Render_settings_report(m.Settings)
		if err != nil {
			self.Error(err.Error())
		} else {
			for _, line := range strings.Split(strings.TrimRight(report, "\n"), "\n") {
				self.respond(line)
			}
		}
	case "M84", "M18":
		m.Disable_steppers()
	case "M400":
		m.Wait_for_moves()
	default:
		self.Echo("Unknown command: \"" + cmd + "\"")
	}
	self.Ok()
}

func (self *GCodeDispatch) cmd_pid(args gcodeArgs, gains *[3]float64) {
	if args.has('P') {
		gains[0] = args.get('P', 0)
	}
	if args.has('I') {
		gains[1] = args.get('I', 0)
	}
	if args.has('D') {
		gains[2] = args.get('D', 0)
	}
}

func (self *GCodeDispatch) cmd_G1(args gcodeArgs) {
	m := self.machine
	cur := m.Planner.Get_position_mm()
	target := cur
	for i, letter := range []byte{'X', 'Y', 'Z'} {
		if args.has(letter) {
			if self.absolute_mode {
				target[i] = args.get(letter, 0)
			} else {
				target[i] = cur[i] + args.get(letter, 0)
			}
		}
	}
	if args.has('E') {
		if self.absolute_e {
			target[E_AXIS] = args.get('E', 0)
		} else {
			target[E_AXIS] = cur[E_AXIS] + args.get('E', 0)
		}
	}
	if args.has('F') {
		fr := args.get('F', 0)
		if fr > 0 {
			self.feedrate_mm_s = fr / 60.0
		}
	}
	feedrate := self.feedrate_mm_s * float64(self.feedrate_percent) * 0.01
	m.Print_stats.Note_move()
	m.Planner.Buffer_line(target[X_AXIS], target[Y_AXIS], target[Z_AXIS], target[E_AXIS], feedrate, self.active_extruder)
}

func (self *GCodeDispatch) cmd_G92(args gcodeArgs) {
	m := self.machine
	seen := false
	for i, letter := range []byte{'X', 'Y', 'Z', 'E'} {
		if args.has(letter) {
			m.Planner.Set_position_mm(i, args.get(letter, 0))
			seen = true
		}
	}
	if !seen {
		m.Planner.Set_position_mm_all(0, 0, 0, 0)
	}
}

func (self *GCodeDispatch) cmd_M145(args gcodeArgs) {
	m := self.machine
	s := int(args.get('S', 0))
	if s < 0 || s >= len(m.Settings.Presets) {
		self.Error("preset index out of range")
		return
	}
	if args.has('H') {
		m.Settings.Presets[s].Hotend = args.get('H', 0)
	}
	if args.has('B') {
		m.Settings.Presets[s].Bed = args.get('B', 0)
	}
	if args.has('F') {
		m.Settings.Presets[s].Fan = uint8(args.get('F', 0))
	}
}

func (self *GCodeDispatch) cmd_M303(args gcodeArgs) {
	m := self.machine
	target := args.get('S', 150)
	cycles := int(args.get('C', 5))
	apply := args.has('U') && args.get('U', 0) != 0
	kp, ki, kd, err := m.Temperature.Pid_autotune(target, cycles, m.Idle, m.Now_ms)
	if err != nil {
		self.Error(err.Error())
		return
	}
	self.Echo(fmt.Sprintf("PID autotune result: Kp=%.2f Ki=%.2f Kd=%.2f", kp, ki, kd))
	if apply {
		m.Settings.Hotend_pid = [3]float64{kp, ki, kd}
		m.Settings.apply_pid()
	}
}

const TEMP_WINDOW = 1.0

func (self *GCodeDispatch) wait_for_hotend() {
	m := self.machine
	for m.Is_running() && m.Temperature.Current_temperature < m.Temperature.Target_temperature-TEMP_WINDOW {
		m.Idle()
	}
}

func (self *GCodeDispatch) wait_for_bed() {
	m := self.machine
	for m.Is_running() && m.Temperature.Current_temperature_bed < m.Temperature.Target_temperature_bed-TEMP_WINDOW {
		m.Idle()
	}
}

// Read_into pulls raw lines off the transport into the command queue
// until EOF or shutdown. Runs beside the foreground loop so a quiet
// serial line never starves idle().
func (self *GCodeDispatch) Read_into(r io.Reader, commands *queue.Queue) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if !self.machine.Is_running() {
			return
		}
		commands.Put_nowait(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Errorf("gcode: transport read: %v", err)
	}
}
