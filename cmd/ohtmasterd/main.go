// command ohtmasterd is the OHT-50 master module control plane: it
// drives the RS485 slave bus, the E-Stop safety path, the system state
// machine and the dual-path network uplink from one fixed-period tick
// loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimlam2010/OHT-V2-sub001/internal/bus"
	"github.com/kimlam2010/OHT-V2-sub001/internal/config"
	"github.com/kimlam2010/OHT-V2-sub001/internal/control"
	"github.com/kimlam2010/OHT-V2-sub001/internal/core"
	"github.com/kimlam2010/OHT-V2-sub001/internal/drivers"
	"github.com/kimlam2010/OHT-V2-sub001/internal/fsm"
	"github.com/kimlam2010/OHT-V2-sub001/internal/modbus"
	"github.com/kimlam2010/OHT-V2-sub001/internal/modmgr"
	"github.com/kimlam2010/OHT-V2-sub001/internal/netlink"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohtclock"
	"github.com/kimlam2010/OHT-V2-sub001/internal/registry"
	"github.com/kimlam2010/OHT-V2-sub001/internal/safety"
)

// Exit codes: 0 clean shutdown, 1 initialization failure, 2 fatal
// runtime fault.
const (
	exitOK      = 0
	exitInit    = 1
	exitRuntime = 2
)

func main() {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	os.Exit(run())
}

func run() int {
	var (
		device   = flag.String("device", "", "RS485 serial device (default from config)")
		gateway  = flag.String("gateway", "", "gateway address for uplink reachability probes")
		ethName  = flag.String("eth", "eth0", "primary uplink interface")
		wlanName = flag.String("wlan", "wlan0", "secondary uplink interface")
	)
	flag.Parse()

	cfg := config.Default()
	if *device != "" {
		cfg.Bus.Device = *device
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("ohtmasterd: %v", err)
		return exitInit
	}

	clock := ohtclock.NewReal()

	h, err := openHAL()
	if err != nil {
		log.Printf("ohtmasterd: hal: %v", err)
		return exitInit
	}
	defer h.Close()

	port, err := bus.OpenSerialPort(cfg.Bus.Device, cfg.Bus.BaudRate,
		cfg.Bus.DataBits, cfg.Bus.StopBits, cfg.Bus.Parity,
		time.Duration(cfg.Bus.TimeoutMS)*time.Millisecond)
	if err != nil {
		log.Printf("ohtmasterd: %v", err)
		return exitInit
	}
	transport := bus.New(port, bus.WithRetryPolicy(cfg.Bus.MaxRetries, cfg.Bus.RetryDelay))
	defer transport.Close()
	worker := bus.NewWorker(transport, 8)
	defer worker.Stop()
	tx := &core.WorkerTransactor{Worker: worker, Cfg: cfg.Bus}

	reg := registry.New(clock, cfg.Registry.OfflineThreshold, cfg.Registry.MaxRetries)
	mon := safety.New(clock, h, cfg.Safety)
	machine, err := fsm.New(clock, cfg.FSM)
	if err != nil {
		log.Printf("ohtmasterd: %v", err)
		return exitInit
	}
	loop := control.New(control.FromConfig(cfg.Control))

	net := netlink.New(clock, netlink.NewSystemProber(*gateway), cfg.Network)
	if err := net.AddInterface(*ethName, netlink.KindEthernet, netlink.PriorityPrimary); err != nil {
		log.Printf("ohtmasterd: %v", err)
		return exitInit
	}
	if err := net.AddInterface(*wlanName, netlink.KindWiFi, netlink.PrioritySecondary); err != nil {
		log.Printf("ohtmasterd: %v", err)
		return exitInit
	}

	modules := modmgr.New(clock, reg, tx, modmgr.Config{
		HealthCheckInterval: time.Duration(cfg.Modules.HealthCheckIntervalMS) * time.Millisecond,
		ResponseTimeout:     time.Duration(cfg.Modules.ResponseTimeoutMS) * time.Millisecond,
		Mandatory:           cfg.Modules.Mandatory,
	})

	motor := drivers.NewMotor(0x03, tx, mon, drivers.MotorData{
		PositionLimitMin: int32(cfg.Control.PositionMin),
		PositionLimitMax: int32(cfg.Control.PositionMax),
		VelocityLimitMax: int32(cfg.Control.VelocityMax),
		AccelLimitMax:    int32(cfg.Control.AccelMax),
	})
	power := drivers.NewPower(0x02, tx)

	orch, err := core.New(cfg, core.Deps{
		Clock:    clock,
		HAL:      h,
		Safety:   mon,
		Machine:  machine,
		Registry: reg,
		Network:  net,
		Modules:  modules,
		Loop:     loop,
		Motor:    motor,
		Power:    power,
		Log:      log.Default(),
	})
	if err != nil {
		log.Printf("ohtmasterd: %v", err)
		return exitInit
	}

	if err := mon.SelfTest(); err != nil {
		log.Printf("ohtmasterd: safety self-test: %v", err)
		return exitInit
	}

	log.Println("ohtmasterd: booting...")
	if err := orch.SubmitEvent(fsm.Event{Kind: fsm.EventBootComplete}); err != nil {
		log.Printf("ohtmasterd: %v", err)
		return exitInit
	}

	// Discovery sweep before the tick loop starts, so slaves found here
	// are Online by the time the state machine reaches Idle.
	sweep := registry.SweepRange{Start: cfg.Registry.SweepStart, End: cfg.Registry.SweepEnd}
	found, _ := reg.Sweep(sweep, identifyVia(tx))
	log.Printf("ohtmasterd: discovery: %d module(s) online", found)

	if err := orch.SubmitEvent(fsm.Event{Kind: fsm.EventInitComplete}); err != nil {
		log.Printf("ohtmasterd: %v", err)
		return exitInit
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.Shutdown()
	}()

	if err := orch.Run(ctx); err != nil {
		log.Printf("ohtmasterd: %v", err)
		return exitRuntime
	}
	if snap := orch.Snapshot(); snap.Fault != fsm.FaultNone {
		log.Printf("ohtmasterd: shut down with fault: %v", snap.Fault)
		return exitRuntime
	}
	return exitOK
}

// identifyRegister is the well-known identification register range the
// discovery sweep reads.
const identifyRegister = 0x0100

// identifyVia builds the registry's identification closure over the
// shared transactor: one FC 0x03 read of the device-id words, with the
// module kind derived from the id word (falling back to the
// conventional address mapping 0x02=Power, 0x03=Motor when a module
// reports none).
func identifyVia(tx *core.WorkerTransactor) registry.Identify {
	return func(address uint8) (bool, registry.Kind, string, error) {
		resp, err := tx.Do(modbus.Request{
			Slave:    address,
			Function: modbus.FuncReadHoldingRegisters,
			Address:  identifyRegister,
			Quantity: 2,
		})
		if err != nil {
			return false, registry.KindUnknown, "", nil
		}
		if len(resp.Registers) < 2 {
			return false, registry.KindUnknown, "", nil
		}
		kind := kindFromID(resp.Registers[0], address)
		version := fmt.Sprintf("%d.%d", resp.Registers[1]>>8, resp.Registers[1]&0xff)
		return true, kind, version, nil
	}
}

func kindFromID(id uint16, address uint8) registry.Kind {
	switch id {
	case 0x0002:
		return registry.KindPower
	case 0x0003:
		return registry.KindMotor
	case 0x0004:
		return registry.KindIO
	case 0x0005:
		return registry.KindDock
	}
	switch address {
	case 0x02:
		return registry.KindPower
	case 0x03:
		return registry.KindMotor
	}
	return registry.KindUnknown
}
