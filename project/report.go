// Settings report rendering (M503).
package project

import (
	"strings"

	"github.com/flosch/pongo2/v5"
)

var settingsReportTemplate = pongo2.Must(pongo2.FromString(strings.TrimSpace(`
echo:Steps per unit:
echo:  M92 X{{ steps.0 }} Y{{ steps.1 }} Z{{ steps.2 }} E{{ steps.3 }}
echo:Maximum feedrates (mm/s):
echo:  M203 X{{ feedrate.0 }} Y{{ feedrate.1 }} Z{{ feedrate.2 }} E{{ feedrate.3 }}
echo:Maximum Acceleration (mm/s2):
echo:  M201 X{{ accel.0 }} Y{{ accel.1 }} Z{{ accel.2 }} E{{ accel.3 }}
echo:Accelerations: P=printing, R=retract and T=travel
echo:  M204 P{{ acceleration }} R{{ retract_acceleration }} T{{ travel_acceleration }}
echo:Advanced: S=Min feedrate (mm/s), T=Min travel feedrate (mm/s), B=min segment time (us), X=max X jerk (mm/s), Y=max Y jerk (mm/s), Z=max Z jerk (mm/s), E=max E jerk (mm/s)
echo:  M205 S{{ min_feedrate }} T{{ min_travel_feedrate }} B{{ min_segment_time }} X{{ jerk.0 }} Y{{ jerk.1 }} Z{{ jerk.2 }} E{{ jerk.3 }}
echo:Home offset (mm):
echo:  M206 X{{ home_offset.0 }} Y{{ home_offset.1 }} Z{{ home_offset.2 }}
echo:PID settings:
echo:  M301 P{{ pid.0 }} I{{ pid.1 }} D{{ pid.2 }}
echo:  M304 P{{ bed_pid.0 }} I{{ bed_pid.1 }} D{{ bed_pid.2 }}
echo:Material heatup parameters:
{% for p in presets %}echo:  M145 S{{ forloop.Counter0 }} H{{ p.Hotend }} B{{ p.Bed }} F{{ p.Fan }}
{% endfor %}`) + "\n"))

// Render_settings_report fills the M503 answer from the live settings.
func Render_settings_report(s *Settings) (string, error) {
	p := s.planner
	ctx := pongo2.Context{
		"steps":                p.Axis_steps_per_mm,
		"feedrate":             p.Max_feedrate_mm_s,
		"accel":                p.Max_acceleration_mm_per_s2,
		"acceleration":         p.Acceleration,
		"retract_acceleration": p.Retract_acceleration,
		"travel_acceleration":  p.Travel_acceleration,
		"min_feedrate":         p.Min_feedrate_mm_s,
		"min_travel_feedrate":  p.Min_travel_feedrate_mm_s,
		"min_segment_time":     p.Min_segment_time_us,
		"jerk":                 p.Max_jerk,
		"home_offset":          s.Home_offset,
		"pid":                  s.Hotend_pid,
		"bed_pid":              s.Bed_pid,
		"presets":              s.Presets,
	}
	return settingsReportTemplate.Execute(ctx)
}
