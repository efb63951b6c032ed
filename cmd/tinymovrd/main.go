// tinymovrd runs the Tinymovr firmware core on a host.
//
// By default the control loop drives the built-in motor simulation, so
// the full protocol surface works without hardware; a SocketCAN
// interface and/or a UART port expose the device to hosts, and the
// telemetry server streams status to dashboards.
//
// Usage:
//
//	tinymovrd [options]
//
// Options:
//
//	-board string      Board profile YAML (default: built-in profile)
//	-nvm string        Flash image file for config storage (default "tinymovr.nvm")
//	-nvm-slots int     Wear-leveling slot count (default 8)
//	-can string        SocketCAN interface, e.g. "can0" or "vcan0" (default: disabled)
//	-serial string     Serial device, e.g. "/dev/ttyACM0" (default: disabled)
//	-baud int          Serial baud rate (default 115200)
//	-telemetry string  Telemetry HTTP address (default ":8060", empty disables)
//	-loglevel string   DEBUG, INFO, WARN or ERROR (default "INFO")
//	-logjson           Log one JSON object per line
//	-logfile string    Log file path (default: stderr)
//
// Examples:
//
//	# Simulation only, telemetry on :8060
//	tinymovrd
//
//	# Attach to a virtual CAN bus
//	tinymovrd -can vcan0
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/motionlayer/Tinymovr/pkg/canbus"
	"github.com/motionlayer/Tinymovr/pkg/config"
	"github.com/motionlayer/Tinymovr/pkg/control"
	"github.com/motionlayer/Tinymovr/pkg/log"
	"github.com/motionlayer/Tinymovr/pkg/nvm"
	"github.com/motionlayer/Tinymovr/pkg/proto"
	"github.com/motionlayer/Tinymovr/pkg/serialport"
	"github.com/motionlayer/Tinymovr/pkg/sim"
	"github.com/motionlayer/Tinymovr/pkg/telemetry"
)

const nvmSlotSize = 1024

func main() {
	boardPath := flag.String("board", "", "Board profile YAML (default: built-in profile)")
	nvmPath := flag.String("nvm", "tinymovr.nvm", "Flash image file for config storage")
	nvmSlots := flag.Int("nvm-slots", 8, "Wear-leveling slot count")
	canIface := flag.String("can", "", "SocketCAN interface (empty: disabled)")
	serialDev := flag.String("serial", "", "Serial device (empty: disabled)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	telemetryAddr := flag.String("telemetry", ":8060", "Telemetry HTTP address (empty: disabled)")
	logLevel := flag.String("loglevel", "INFO", "DEBUG, INFO, WARN or ERROR")
	logJSON := flag.Bool("logjson", false, "Log one JSON object per line")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	flag.Parse()

	logger := log.New(os.Stderr, log.ParseLevel(*logLevel))
	if *logJSON {
		logger.SetFormat(log.FormatJSON)
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetOutput(f)
	}
	log.SetDefault(logger)
	mainLog := log.Component("main")

	profile := config.DefaultBoardProfile()
	if *boardPath != "" {
		var err error
		profile, err = config.LoadBoardProfile(*boardPath)
		if err != nil {
			mainLog.Error("loading board profile", log.Fields{"path": *boardPath, "err": err})
			os.Exit(1)
		}
	}

	flash, err := nvm.OpenFileFlash(*nvmPath, *nvmSlots*nvmSlotSize)
	if err != nil {
		mainLog.Error("opening flash image", log.Fields{"path": *nvmPath, "err": err})
		os.Exit(1)
	}
	store, err := nvm.NewStore(flash, *nvmSlots)
	if err != nil {
		mainLog.Error("creating config store", log.Fields{"err": err})
		os.Exit(1)
	}
	result, identity, cfg, err := store.Load()
	if err != nil {
		mainLog.Error("loading config", log.Fields{"err": err})
		os.Exit(1)
	}
	mainLog.Info("config loaded", log.Fields{
		"result":   result.String(),
		"node_id":  identity,
		"firmware": config.FirmwareVersion,
	})

	plant := sim.NewPlant(sim.DefaultMotorParams())
	core := control.New(cfg, profile, plant, plant, plant)

	dispatcher := proto.NewDispatcher(&proto.Env{
		Core: core,
		SaveConfig: func() error {
			snap := core.ConfigSnapshot()
			return store.Save(&snap)
		},
		EraseConfig: store.Erase,
	})

	// Control loop. Wall-clock sleeping cannot hold 50 us reliably, so
	// each pass runs the ticks the elapsed time owes us.
	stopTick := make(chan struct{})
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		now := time.Now()
		next := now
		for {
			select {
			case <-stopTick:
				return
			default:
			}
			now = time.Now()
			for !next.After(now) {
				core.Tick(next)
				plant.Step()
				next = next.Add(time.Duration(control.DT * float64(time.Second)))
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()

	var bus *canbus.Bus
	if *canIface != "" {
		busCfg := canbus.DefaultConfig()
		busCfg.Interface = *canIface
		busCfg.ReadTimeout = 100 * time.Millisecond
		bus, err = canbus.Open(busCfg, identity)
		if err != nil {
			mainLog.Error("opening CAN interface", log.Fields{"iface": *canIface, "err": err})
			os.Exit(1)
		}
		defer bus.Close()
		mainLog.Info("CAN attached", log.Fields{"iface": *canIface, "node_id": identity})

		go serveFrames(dispatcher, bus, "can")
		go heartbeatLoop(dispatcher, core, bus)
	}

	if *serialDev != "" {
		portCfg := serialport.DefaultConfig()
		portCfg.Device = *serialDev
		portCfg.Baud = *baud
		portCfg.ReadTimeout = 100 * time.Millisecond
		port, err := serialport.Open(portCfg)
		if err != nil {
			mainLog.Error("opening serial port", log.Fields{"device": *serialDev, "err": err})
			os.Exit(1)
		}
		defer port.Close()
		mainLog.Info("serial attached", log.Fields{"device": *serialDev, "baud": *baud})

		go serveFrames(dispatcher, port, "serial")
		go heartbeatLoop(dispatcher, core, port)
	}

	var tel *telemetry.Server
	if *telemetryAddr != "" {
		tel = telemetry.New(telemetry.Config{
			Addr: *telemetryAddr,
			Core: core,
			TransportStats: func() map[string]uint64 {
				out := map[string]uint64{}
				if bus != nil {
					st := bus.Stats()
					out["can_tx_frames"] = st.TxFrames
					out["can_rx_frames"] = st.RxFrames
					out["can_rx_errors"] = st.RxErrors
				}
				return out
			},
		})
		go func() {
			if err := tel.Start(); err != nil {
				mainLog.Warn("telemetry server stopped", log.Fields{"err": err})
			}
		}()
		mainLog.Info("telemetry serving", log.Fields{"addr": *telemetryAddr})
	}

	mainLog.Info("tinymovrd ready", log.Fields{
		"protocol_hash": fmt.Sprintf("%#08x", proto.Hash()),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	mainLog.Info("shutting down")
	close(stopTick)
	<-tickDone
	if tel != nil {
		tel.Stop()
	}
}

// transport is the frame-level surface shared by CAN and serial.
type transport interface {
	Send(proto.Frame) error
	Receive() (proto.Frame, error)
}

// serveFrames pumps inbound frames through the dispatcher and sends
// replies. Timeouts just mean a quiet link; protocol rejections are
// logged and dropped.
func serveFrames(d *proto.Dispatcher, tr transport, name string) {
	logger := log.Component(name)
	for {
		frame, err := tr.Receive()
		if err != nil {
			if err == canbus.ErrTimeout || err == serialport.ErrTimeout {
				continue
			}
			logger.Warn("receive failed, stopping", log.Fields{"err": err})
			return
		}
		reply, err := d.Handle(frame)
		if err != nil {
			logger.Debug("frame rejected", log.Fields{"id": frame.ID, "err": err})
			continue
		}
		if reply != nil {
			if err := tr.Send(*reply); err != nil {
				logger.Warn("send failed", log.Fields{"err": err})
			}
		}
	}
}

// heartbeatLoop emits presence frames at the configured period.
func heartbeatLoop(d *proto.Dispatcher, core *control.Core, tr transport) {
	logger := log.Component("heartbeat")
	for {
		ms := core.ConfigSnapshot().Can.HeartbeatMs
		if ms == 0 {
			time.Sleep(1 * time.Second)
			continue
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		if err := tr.Send(d.Heartbeat()); err != nil {
			logger.Warn("heartbeat send failed", log.Fields{"err": err})
			return
		}
	}
}
