package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadThermistorTableFromYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ntc.yaml")
	body := `
name: bench probe
points:
  - [100, 250]
  - [500, 150]
  - [900, 50]
  - [1000, 10]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadThermistorTable(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if table.Name != "bench probe" {
		t.Fatalf("unexpected name: %s", table.Name)
	}
	if !table.Temp_is_falling() {
		t.Fatal("table polarity lost")
	}
	if got := table.Temperature(300); !nearlyEqual(got, 200, 1e-6) {
		t.Fatalf("midpoint interpolation off: %f", got)
	}
	if got := table.Raw_for_temperature(150); !nearlyEqual(got, 500, 1e-6) {
		t.Fatalf("inverse off: %f", got)
	}
}

func TestThermistorRejectsNonMonotone(t *testing.T) {
	if _, err := NewThermistorTable("bad", [][2]float64{{10, 100}, {20, 150}, {30, 120}}); err == nil {
		t.Fatal("wobbly temperature column must be rejected")
	}
	if _, err := NewThermistorTable("bad", [][2]float64{{10, 100}, {10, 90}}); err == nil {
		t.Fatal("duplicate raw values must be rejected")
	}
	if _, err := NewThermistorTable("bad", [][2]float64{{10, 100}}); err == nil {
		t.Fatal("a single point is not a table")
	}
}

func TestThermistorClampsOutOfRange(t *testing.T) {
	table := DefaultThermistorTable()
	lo := table.Temperature(0)
	hi := table.Temperature(1e9)
	if lo != table.temps[0] || hi != table.temps[len(table.temps)-1] {
		t.Fatalf("out-of-range raw should clamp to the table ends: %f %f", lo, hi)
	}
}
