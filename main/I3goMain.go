package main

import (
	"flag"
	"io"
	"time"

	"i3go/common/config"
	"i3go/common/logger"
	"i3go/common/utils/sys"
	"i3go/project"
)

func main() {
	configPath := flag.String("config", "", "machine config file (TOML)")
	console := flag.Bool("console", false, "take commands from the terminal instead of the serial device")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.InitLogger(0, "", true, 20, 3, 14)
		logger.Fatalf("load config: %v", err)
	}
	logger.InitLogger(logger.LogLevel(cfg.Log.Level), cfg.Log.File, cfg.Log.Color,
		cfg.Log.MaxSize, cfg.Log.MaxBackups, cfg.Log.MaxAge)
	defer logger.Sync()
	logger.Debugf("main thread %d running", sys.GetGID())

	var transport io.ReadWriteCloser
	if *console {
		transport = project.StdioTransport{}
	} else {
		transport, err = project.OpenSerial(cfg.Serial)
		if err != nil {
			logger.Fatalf("open serial %s: %v", cfg.Serial.Device, err)
		}
	}

	// No board attached means no ADC mux and no heater pins; the thermal
	// model stands in for both and keeps the safety loop honest.
	sim := project.NewHeatSim(project.DefaultThermistorTable(), project.DefaultThermistorTable())
	go func() {
		for range time.Tick(10 * time.Millisecond) {
			sim.Step(10)
		}
	}()

	machine := project.NewMachine(cfg, sim, sim, transport)
	if err := machine.Settings.Load(); err != nil {
		logger.Errorf("stored settings rejected: %v", err)
	}
	machine.Run()
	if err := machine.Close(); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
