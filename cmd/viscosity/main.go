package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lalitmahajn/Viscosity/pkg/config"
	"github.com/lalitmahajn/Viscosity/pkg/driver"
	"github.com/lalitmahajn/Viscosity/pkg/orchestrator"
	"github.com/lalitmahajn/Viscosity/pkg/plc"
	"github.com/lalitmahajn/Viscosity/pkg/regmap"
)

// commandQueueSize bounds the PLC command channel; commands beyond it are
// rejected at the protocol layer instead of blocking the network handler.
const commandQueueSize = 16

func main() {
	var (
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		portFlag   = flag.String("p", "", "Serial port override (e.g., /dev/ttyACM0)")
		simFlag    = flag.Bool("sim", false, "Use the simulated probe instead of hardware")
	)
	flag.Parse()

	// Optional .env overlay, useful on deployed boxes where editing the
	// YAML is not practical.
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded environment overrides from .env")
	}
	if v := os.Getenv("VISCOSITY_CONFIG"); v != "" && *configFlag == "config.yaml" {
		*configFlag = v
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if v := os.Getenv("VISCOSITY_MODBUS_LISTEN"); v != "" {
		cfg.Modbus.Listen = v
	}
	if *simFlag {
		cfg.App.Driver = "sim"
	}

	var dev driver.Device
	switch cfg.App.Driver {
	case "serial":
		dev = driver.NewSerial(cfg.Serial)
	default:
		dev = driver.NewSim(cfg.Sim, cfg.App.SampleRateHz)
	}

	if err := dev.Connect(); err != nil {
		log.Fatalf("Failed to connect to probe (%s): %v", cfg.App.Driver, err)
	}
	defer dev.Close()

	bank := regmap.NewBank()
	commands := make(chan regmap.Command, commandQueueSize)

	// Commissioning is handled outside the core; a deployed unit is gated
	// by its configuration.
	gate := driver.StaticGate(true)

	orch := orchestrator.New(cfg, dev, gate, bank, commands)

	if cfg.Modbus.Enabled {
		srv := plc.New(cfg.Modbus, bank, commands)
		if err := srv.Start(); err != nil {
			log.Fatalf("Failed to start Modbus server: %v", err)
		}
		defer srv.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Printf("shutdown signal received")
		cancel()
	}()

	if err := orch.Run(ctx); err != nil {
		log.Fatalf("Control loop failed: %v", err)
	}
}
