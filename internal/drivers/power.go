package drivers

import (
	"fmt"

	"github.com/kimlam2010/OHT-V2-sub001/internal/modbus"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohterr"
)

// Power register map; the power module sits at address 0x02
// conventionally.
const (
	regBatteryVoltage  = 0x0000
	regBatteryCurrent  = 0x0001
	regBatterySOC      = 0x0002
	regBatteryTemp     = 0x0003
	regRail12V         = 0x0010
	regRail5V          = 0x0013
	regRail3V3         = 0x0016
	regChargeCurrent   = 0x0041
	regChargeVoltage   = 0x0042
	regChargeEnable    = 0x0043
	regChargeStatus    = 0x0044
	regFaultBitmap     = 0x0048
	regRelay12V        = 0x0049
	regRelay5V         = 0x004A
	regRelay3V3        = 0x004B
	regUseVThreshold   = 0x004C
	regRelayFault      = 0x004D
	regResetFaultsP    = 0x004F
	regDeviceID        = 0x0100
	regFirmwareVersion = 0x0101
	regHardwareVersion = 0x0102
	regSystemStatus    = 0x0103
	regSystemError     = 0x0104
	regModuleType      = 0x0105
)

// PowerFault is one bit of the power module's fault bitmap.
type PowerFault uint16

const (
	FaultOvervoltage PowerFault = 1 << iota
	FaultUndervoltage
	FaultOvercurrent
	FaultOverTemperature
	FaultCommError
	FaultRelayFault
)

// RailReading is one 12V/5V/3.3V output rail's measurement.
type RailReading struct {
	VoltageMV, CurrentMA, PowerMW int32
}

// ChargeStatus is the charge controller's reported phase.
type ChargeStatus uint8

const (
	ChargeIdle ChargeStatus = iota
	ChargeBulk
	ChargeAbsorption
	ChargeFloat
	ChargeFaulted
)

// PowerData is the power module's full typed state.
type PowerData struct {
	BatteryVoltageMV, BatteryCurrentMA int32
	BatterySOCPct, BatteryTempC        int32
	Rail12V, Rail5V, Rail3V3           RailReading
	Relay12V, Relay5V, Relay3V3        bool
	Faults                             PowerFault
	ChargeStatus                       ChargeStatus
	UsageThresholdMV                   int32

	// Module identification words.
	DeviceID        uint16
	ModuleType      uint16
	FirmwareVersion uint16
	HardwareVersion uint16
	SystemStatus    uint16
	SystemError     uint16
}

// ModuleInfo is the identification block read from the module's info
// registers.
type ModuleInfo struct {
	DeviceID        uint16
	ModuleType      uint16
	FirmwareVersion uint16
	HardwareVersion uint16
}

// Power is the typed driver for the power module, following the same
// register-transaction shape as [Motor].
type Power struct {
	Address uint8
	tx      Transactor

	data         PowerData
	errorCount   uint32
	warningCount uint32
}

func NewPower(address uint8, tx Transactor) *Power {
	return &Power{Address: address, tx: tx}
}

// ReadAll polls the full PowerData block in three read transactions:
// battery, output rails, then the charge/fault/relay window.
func (p *Power) ReadAll() (PowerData, error) {
	resp, err := p.tx.Do(modbus.Request{
		Slave: p.Address, Function: modbus.FuncReadHoldingRegisters,
		Address: regBatteryVoltage, Quantity: 4,
	})
	if err != nil {
		p.noteError()
		return p.data, p.wrapErr("read_all", err)
	}
	if len(resp.Registers) < 4 {
		p.noteError()
		return p.data, ohterr.New("power", "read_all", ohterr.KindFrameMalformed, nil)
	}
	// Battery voltage/current registers carry values scaled by 10.
	p.data.BatteryVoltageMV = int32(resp.Registers[0]) * 100
	p.data.BatteryCurrentMA = int32(int16(resp.Registers[1])) * 100
	p.data.BatterySOCPct = int32(resp.Registers[2])
	p.data.BatteryTempC = int32(int16(resp.Registers[3]))

	rails, err := p.tx.Do(modbus.Request{
		Slave: p.Address, Function: modbus.FuncReadHoldingRegisters,
		Address: regRail12V, Quantity: 9,
	})
	if err != nil {
		p.noteError()
		return p.data, p.wrapErr("read_all", err)
	}
	if len(rails.Registers) < 9 {
		p.noteError()
		return p.data, ohterr.New("power", "read_all", ohterr.KindFrameMalformed, nil)
	}
	r := rails.Registers
	p.data.Rail12V = RailReading{int32(r[0]), int32(r[1]), int32(r[2])}
	p.data.Rail5V = RailReading{int32(r[3]), int32(r[4]), int32(r[5])}
	p.data.Rail3V3 = RailReading{int32(r[6]), int32(r[7]), int32(r[8])}

	// Charge status, fault bitmap and relay block sit in one register
	// window.
	ctl, err := p.tx.Do(modbus.Request{
		Slave: p.Address, Function: modbus.FuncReadHoldingRegisters,
		Address: regChargeStatus, Quantity: 10,
	})
	if err != nil {
		p.noteError()
		return p.data, p.wrapErr("read_all", err)
	}
	if len(ctl.Registers) < 10 {
		p.noteError()
		return p.data, ohterr.New("power", "read_all", ohterr.KindFrameMalformed, nil)
	}
	p.data.ChargeStatus = ChargeStatus(ctl.Registers[regChargeStatus-regChargeStatus])
	p.data.Faults = PowerFault(ctl.Registers[regFaultBitmap-regChargeStatus])
	p.data.Relay12V = ctl.Registers[regRelay12V-regChargeStatus] != 0
	p.data.Relay5V = ctl.Registers[regRelay5V-regChargeStatus] != 0
	p.data.Relay3V3 = ctl.Registers[regRelay3V3-regChargeStatus] != 0
	p.data.UsageThresholdMV = int32(ctl.Registers[regUseVThreshold-regChargeStatus]) * 100
	if ctl.Registers[regRelayFault-regChargeStatus] != 0 {
		p.data.Faults |= FaultRelayFault
	}
	return p.data, nil
}

// SetCharging configures the charge controller and enables/disables it.
func (p *Power) SetCharging(currentA, voltageV float64, enable bool) error {
	if currentA < 0 || voltageV < 0 {
		return ohterr.New("power", "set_charging", ohterr.KindInvalidArgument,
			fmt.Errorf("negative current/voltage: %g A, %g V", currentA, voltageV))
	}
	if err := p.writeReg(regChargeCurrent, uint16(currentA*10)); err != nil {
		return fmt.Errorf("power: set_charging: current: %w", err)
	}
	if err := p.writeReg(regChargeVoltage, uint16(voltageV*10)); err != nil {
		return fmt.Errorf("power: set_charging: voltage: %w", err)
	}
	v := uint16(0)
	if enable {
		v = 1
	}
	if err := p.writeReg(regChargeEnable, v); err != nil {
		return fmt.Errorf("power: set_charging: enable: %w", err)
	}
	return nil
}

// ControlOutputs switches the three output relays.
func (p *Power) ControlOutputs(r12v, r5v, r3v3 bool) error {
	for addr, on := range map[uint16]bool{regRelay12V: r12v, regRelay5V: r5v, regRelay3V3: r3v3} {
		v := uint16(0)
		if on {
			v = 1
		}
		if err := p.writeReg(addr, v); err != nil {
			return fmt.Errorf("power: control_outputs: %w", err)
		}
	}
	p.data.Relay12V, p.data.Relay5V, p.data.Relay3V3 = r12v, r5v, r3v3
	return nil
}

// ResetFaults clears the fault bitmap.
func (p *Power) ResetFaults() error {
	if err := p.writeReg(regResetFaultsP, 1); err != nil {
		return fmt.Errorf("power: reset_faults: %w", err)
	}
	p.data.Faults = 0
	return nil
}

// GetModuleInfo reads the identification block: device id, module
// type, firmware and hardware versions.
func (p *Power) GetModuleInfo() (ModuleInfo, error) {
	resp, err := p.tx.Do(modbus.Request{
		Slave: p.Address, Function: modbus.FuncReadHoldingRegisters,
		Address: regDeviceID, Quantity: 6,
	})
	if err != nil {
		p.noteError()
		return ModuleInfo{}, p.wrapErr("get_module_info", err)
	}
	if len(resp.Registers) < 6 {
		return ModuleInfo{}, ohterr.New("power", "get_module_info", ohterr.KindFrameMalformed, nil)
	}
	p.data.DeviceID = resp.Registers[0]
	p.data.FirmwareVersion = resp.Registers[regFirmwareVersion-regDeviceID]
	p.data.HardwareVersion = resp.Registers[regHardwareVersion-regDeviceID]
	p.data.SystemStatus = resp.Registers[regSystemStatus-regDeviceID]
	p.data.SystemError = resp.Registers[regSystemError-regDeviceID]
	p.data.ModuleType = resp.Registers[regModuleType-regDeviceID]
	return ModuleInfo{
		DeviceID:        p.data.DeviceID,
		ModuleType:      p.data.ModuleType,
		FirmwareVersion: p.data.FirmwareVersion,
		HardwareVersion: p.data.HardwareVersion,
	}, nil
}

// SetUsageThreshold writes the output voltage-usage threshold below
// which the module sheds its output rails.
func (p *Power) SetUsageThreshold(thresholdMV int32) error {
	if thresholdMV < 0 {
		return ohterr.New("power", "set_usage_threshold", ohterr.KindInvalidArgument,
			fmt.Errorf("negative threshold %d", thresholdMV))
	}
	if err := p.writeReg(regUseVThreshold, uint16(thresholdMV/100)); err != nil {
		return fmt.Errorf("power: set_usage_threshold: %w", err)
	}
	p.data.UsageThresholdMV = thresholdMV
	return nil
}

// EmergencyShutdown drops every output rail and disables charging in
// one sweep; called from the safety path.
func (p *Power) EmergencyShutdown() error {
	if err := p.ControlOutputs(false, false, false); err != nil {
		return fmt.Errorf("power: emergency_shutdown: %w", err)
	}
	if err := p.writeReg(regChargeEnable, 0); err != nil {
		return fmt.Errorf("power: emergency_shutdown: %w", err)
	}
	return nil
}

// AlarmDescription renders the set alarm bits as a human-readable,
// comma-separated list.
func AlarmDescription(f PowerFault) string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		bit  PowerFault
		name string
	}{
		{FaultOvervoltage, "overvoltage"},
		{FaultUndervoltage, "undervoltage"},
		{FaultOvercurrent, "overcurrent"},
		{FaultOverTemperature, "overtemperature"},
		{FaultCommError, "comm_error"},
		{FaultRelayFault, "relay_fault"},
	}
	out := ""
	for _, n := range names {
		if f&n.bit == 0 {
			continue
		}
		if out != "" {
			out += ","
		}
		out += n.name
	}
	return out
}

// Alarm thresholds, in the same engineering units as PowerData.
const (
	overvoltageThresholdMV  = 14_000
	undervoltageThresholdMV = 10_000
	overcurrentThresholdMA  = 20_000
	overTempThresholdC      = 60
)

// CheckAlarms evaluates every threshold against the last-read data and
// sets the fault bitmap accordingly. It returns true if any alarm is
// set.
func (p *Power) CheckAlarms() bool {
	var f PowerFault
	if p.data.BatteryVoltageMV > overvoltageThresholdMV {
		f |= FaultOvervoltage
	}
	if p.data.BatteryVoltageMV < undervoltageThresholdMV && p.data.BatteryVoltageMV > 0 {
		f |= FaultUndervoltage
	}
	if abs32(p.data.BatteryCurrentMA) > overcurrentThresholdMA {
		f |= FaultOvercurrent
	}
	if p.data.BatteryTempC > overTempThresholdC {
		f |= FaultOverTemperature
	}
	p.data.Faults |= f
	return p.data.Faults != 0
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// HealthPct computes this driver's current health score.
func (p *Power) HealthPct(latencyMs float64) int {
	return HealthScore(p.errorCount, p.warningCount, latencyMs)
}

func (p *Power) noteError() { p.errorCount++ }

func (p *Power) wrapErr(op string, err error) error {
	return ohterr.New("power", op, ohterr.KindCommunicationFault, err)
}

func (p *Power) writeReg(addr uint16, value uint16) error {
	_, err := p.tx.Do(modbus.Request{
		Slave: p.Address, Function: modbus.FuncWriteSingleRegister,
		Address: addr, Values: []uint16{value},
	})
	if err != nil {
		p.noteError()
		return p.wrapErr("write", err)
	}
	return nil
}
