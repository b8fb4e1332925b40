// Command dfu-cli drives a Secure DFU update against a real BLE peripheral,
// the way central/main.go drives an HPS request against one: flags select
// the target and the work to do, and a single top-level call does it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bledfu/securedfu/dfu"
	bledfugatt "github.com/bledfu/securedfu/transport/gatt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	deviceName = flag.String("name", "", "Device name to scan for (required)")
	zipPath    = flag.String("package", "", "Path to the firmware update .zip (required)")
	slot       = flag.String("slot", string(dfu.SlotApplication), "Manifest slot to upload: application, softdevice, bootloader, softdevice_bootloader")
	buttonless = flag.Bool("buttonless", false, "Switch the device into bootloader mode via the buttonless characteristic before uploading")
	scanTimeout = flag.Duration("scan-timeout", 10*time.Second, "Time to wait for the device to be found while scanning")
	updateTimeout = flag.Duration("timeout", 5*time.Minute, "Time to wait for the whole update to complete")
	packetSize = flag.Int("packet-size", 0, "Override the initial packet chunk size (0 keeps the driver default)")
	prnInterval = flag.Int("prn-interval", -1, "Override the initial Packet Receipt Notification interval (-1 keeps the driver default)")
	forceRestart = flag.Bool("force-restart", false, "Re-upload every image from byte 0 regardless of the device's resume offset")
	level      = flag.String("level", "info", "Logging level, eg: panic, fatal, error, warn, info, debug, trace")
	consoleLog = flag.Bool("console-log", true, "Pass true to enable colorized console logging, false for JSON style logging")
)

func main() {
	flag.Parse()
	setupLogging()

	if *deviceName == "" || *zipPath == "" {
		log.Error().Msg("-name and -package are both required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(); err != nil {
		log.Error().Err(err).Msg("update failed")
		os.Exit(1)
	}
	log.Info().Msg("update complete")
}

func setupLogging() {
	if *consoleLog {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run() error {
	data, err := os.ReadFile(*zipPath)
	if err != nil {
		return fmt.Errorf("reading package: %w", err)
	}
	pkg, err := dfu.OpenPackage(data)
	if err != nil {
		return err
	}
	initBytes, firmwareBytes, err := pkg.Image(dfu.ImageSlot(*slot))
	if err != nil {
		return err
	}

	opts := []dfu.Option{dfu.WithForceRestart(*forceRestart)}
	if *packetSize > 0 {
		opts = append(opts, dfu.WithPacketSize(*packetSize))
	}
	if *prnInterval >= 0 {
		opts = append(opts, dfu.WithPRNInterval(*prnInterval))
	}

	driver := dfu.New(opts...)
	driver.Events().On("log", func(payload interface{}) {
		log.Info().Msg(payload.(dfu.LogEvent).Message)
	})
	driver.Events().On("progress", func(payload interface{}) {
		p := payload.(dfu.ProgressEvent)
		log.Info().
			Str("object", p.Object).
			Uint32("sent", p.SentBytes).
			Uint32("validated", p.ValidatedBytes).
			Uint32("total", p.TotalBytes).
			Msg("progress")
	})

	ctx, cancel := context.WithTimeout(context.Background(), *updateTimeout)
	defer cancel()

	scanner := bledfugatt.NewCentralScanner()
	filter := dfu.DeviceFilter{Name: *deviceName}

	log.Info().Str("device_name", *deviceName).Msg("scanning")
	scanCtx, scanCancel := context.WithTimeout(ctx, *scanTimeout)
	device, err := driver.RequestDevice(scanCtx, scanner, *buttonless, filter)
	scanCancel()
	if err != nil {
		return fmt.Errorf("locating device: %w", err)
	}
	if device == nil {
		return fmt.Errorf("device rebooted into bootloader mode after buttonless switch; re-run without -buttonless once it re-advertises")
	}

	log.Info().Msg("uploading")
	return driver.Update(ctx, device, initBytes, firmwareBytes)
}
