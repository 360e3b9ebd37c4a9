package bms

import "fmt"

// Status holds the pack-level state from the periodic string status report,
// plus one Module record per module id seen on the bus. It is updated in
// place by each validated frame; modules are inserted on first sight of an
// id and never removed.
type Status struct {
	State          byte
	SoC            int     // percent
	Temperature    int     // degC
	Voltage        float64 // V
	Current        float64 // A
	AlarmAndStatus uint32

	WattHoursToFullDischarge int
	WattHoursToFullCharge    int
	MinCellVoltage           float64
	MaxCellVoltage           float64
	FrontConnectorTemp       int

	Modules map[int]*Module

	seen bool
}

// Module holds the state from a per-module status report.
type Module struct {
	ID             int
	State          byte
	SoC            int
	MinCellTemp    int
	AvgCellTemp    int
	MaxCellTemp    int
	Voltage        float64
	MinCellVoltage float64
	AvgCellVoltage float64
	MaxCellVoltage float64
	Current        float64
	AlarmAndStatus uint32

	MaxFrontConnectorTemp int
}

// NewStatus creates an empty status with no modules.
func NewStatus() *Status {
	return &Status{Modules: make(map[int]*Module)}
}

// Seen reports whether at least one string status report has been parsed.
func (s *Status) Seen() bool {
	return s.seen
}

// Update parses a validated frame into the status. String status reports
// update the pack-level fields; module reports update (or create) the module
// record for the parsed id. The frame must already have passed ValidFrame.
func (s *Status) Update(line []byte) error {
	if len(line) < minFrameLen {
		return fmt.Errorf("frame too short: %d bytes", len(line))
	}
	switch FrameType(line) {
	case TypeString:
		return s.updateString(string(line))
	case TypeModule:
		return s.updateModule(string(line))
	default:
		return fmt.Errorf("unknown report type %q", FrameType(line))
	}
}

// Field positions follow the BMS serial protocol document (periodic string
// status report). Voltages are millivolts, currents are deciamps.
func (s *Status) updateString(line string) error {
	soc, err := parseInt(line, 19, 22)
	if err != nil {
		return fmt.Errorf("string status soc: %w", err)
	}
	temp, err := parseInt(line, 23, 26)
	if err != nil {
		return fmt.Errorf("string status temperature: %w", err)
	}
	mv, err := parseInt(line, 27, 33)
	if err != nil {
		return fmt.Errorf("string status voltage: %w", err)
	}
	da, err := parseInt(line, 34, 39)
	if err != nil {
		return fmt.Errorf("string status current: %w", err)
	}
	alarm, err := parseHex(line, 40, 48)
	if err != nil {
		return fmt.Errorf("string status alarm word: %w", err)
	}
	whDischarge, err := parseInt(line, 77, 83)
	if err != nil {
		return fmt.Errorf("string status Wh to discharge: %w", err)
	}
	whCharge, err := parseInt(line, 84, 90)
	if err != nil {
		return fmt.Errorf("string status Wh to charge: %w", err)
	}
	minCell, err := parseInt(line, 91, 97)
	if err != nil {
		return fmt.Errorf("string status min cell voltage: %w", err)
	}
	maxCell, err := parseInt(line, 98, 104)
	if err != nil {
		return fmt.Errorf("string status max cell voltage: %w", err)
	}
	frontTemp, err := parseInt(line, 105, 107)
	if err != nil {
		return fmt.Errorf("string status connector temperature: %w", err)
	}

	s.State = line[17]
	s.SoC = soc
	s.Temperature = temp
	s.Voltage = float64(mv) / 1000.0
	s.Current = float64(da) / 10.0
	s.AlarmAndStatus = alarm
	s.WattHoursToFullDischarge = whDischarge
	s.WattHoursToFullCharge = whCharge
	s.MinCellVoltage = float64(minCell) / 1000.0
	s.MaxCellVoltage = float64(maxCell) / 1000.0
	s.FrontConnectorTemp = frontTemp
	s.seen = true
	return nil
}

func (s *Status) updateModule(line string) error {
	id, err := parseInt(line, 17, 19)
	if err != nil {
		return fmt.Errorf("module status id: %w", err)
	}
	m, ok := s.Modules[id]
	if !ok {
		m = &Module{ID: id}
	}
	if err := m.update(line); err != nil {
		return err
	}
	// Insert only after a clean parse so a bad first frame doesn't leave an
	// empty module record behind.
	s.Modules[id] = m
	return nil
}

func (m *Module) update(line string) error {
	soc, err := parseInt(line, 22, 25)
	if err != nil {
		return fmt.Errorf("module %d soc: %w", m.ID, err)
	}
	minT, err := parseInt(line, 26, 29)
	if err != nil {
		return fmt.Errorf("module %d min cell temp: %w", m.ID, err)
	}
	avgT, err := parseInt(line, 30, 33)
	if err != nil {
		return fmt.Errorf("module %d avg cell temp: %w", m.ID, err)
	}
	maxT, err := parseInt(line, 34, 37)
	if err != nil {
		return fmt.Errorf("module %d max cell temp: %w", m.ID, err)
	}
	mv, err := parseInt(line, 38, 44)
	if err != nil {
		return fmt.Errorf("module %d voltage: %w", m.ID, err)
	}
	minV, err := parseInt(line, 45, 51)
	if err != nil {
		return fmt.Errorf("module %d min cell voltage: %w", m.ID, err)
	}
	avgV, err := parseInt(line, 52, 58)
	if err != nil {
		return fmt.Errorf("module %d avg cell voltage: %w", m.ID, err)
	}
	maxV, err := parseInt(line, 59, 65)
	if err != nil {
		return fmt.Errorf("module %d max cell voltage: %w", m.ID, err)
	}
	da, err := parseInt(line, 66, 71)
	if err != nil {
		return fmt.Errorf("module %d current: %w", m.ID, err)
	}
	alarm, err := parseHex(line, 72, 80)
	if err != nil {
		return fmt.Errorf("module %d alarm word: %w", m.ID, err)
	}
	frontTemp, err := parseInt(line, 109, 112)
	if err != nil {
		return fmt.Errorf("module %d connector temp: %w", m.ID, err)
	}

	m.State = line[20]
	m.SoC = soc
	m.MinCellTemp = minT
	m.AvgCellTemp = avgT
	m.MaxCellTemp = maxT
	m.Voltage = float64(mv) / 1000.0
	m.MinCellVoltage = float64(minV) / 1000.0
	m.AvgCellVoltage = float64(avgV) / 1000.0
	m.MaxCellVoltage = float64(maxV) / 1000.0
	m.Current = float64(da) / 10.0
	m.AlarmAndStatus = alarm
	m.MaxFrontConnectorTemp = frontTemp
	return nil
}

func (s *Status) bit(n uint) bool { return s.AlarmAndStatus&(1<<n) != 0 }
func (m *Module) bit(n uint) bool { return m.AlarmAndStatus&(1<<n) != 0 }

// Pack-level alarm and warning bits. Positions are part of the protocol
// definition and must not be re-ordered.

func (s *Status) TemperatureWarning() bool  { return s.bit(0) }
func (s *Status) TemperatureFault() bool    { return s.bit(1) }
func (s *Status) HighCurrentWarning() bool  { return s.bit(2) }
func (s *Status) HighCurrentFault() bool    { return s.bit(3) }
func (s *Status) HighVoltageWarning() bool  { return s.bit(4) }
func (s *Status) HighVoltageFault() bool    { return s.bit(5) }
func (s *Status) LowVoltageWarning() bool   { return s.bit(6) }
func (s *Status) LowVoltageFault() bool     { return s.bit(7) }
func (s *Status) CellLowVoltageFault() bool { return s.bit(8) }
func (s *Status) ChargeLowWarning() bool    { return s.bit(12) }
func (s *Status) ModuleCommError() bool     { return s.bit(13) }
func (s *Status) ModuleCommFault() bool     { return s.bit(14) }
func (s *Status) SelfCheckWarning() bool    { return s.bit(15) }
func (s *Status) UnderVoltDisable() bool    { return s.bit(16) }
func (s *Status) OverVoltDisable() bool     { return s.bit(17) }
func (s *Status) ContactorOn() bool         { return s.bit(31) }

// Module-level alarm and status bits.

func (m *Module) TemperatureWarning() bool  { return m.bit(0) }
func (m *Module) TemperatureFault() bool    { return m.bit(1) }
func (m *Module) HighCurrentWarning() bool  { return m.bit(2) }
func (m *Module) HighCurrentFault() bool    { return m.bit(3) }
func (m *Module) HighVoltageWarning() bool  { return m.bit(4) }
func (m *Module) HighVoltageFault() bool    { return m.bit(5) }
func (m *Module) LowVoltageWarning() bool   { return m.bit(6) }
func (m *Module) LowVoltageFault() bool     { return m.bit(7) }
func (m *Module) CellLowVoltageFault() bool { return m.bit(8) }
func (m *Module) ChargeLowWarning() bool    { return m.bit(12) }
func (m *Module) CommError() bool           { return m.bit(13) }
func (m *Module) CommFault() bool           { return m.bit(14) }
func (m *Module) UnderVoltDisable() bool    { return m.bit(16) }
func (m *Module) OverVoltDisable() bool     { return m.bit(17) }

// CellBalancing reports whether cell (0-6) is balancing.
func (m *Module) CellBalancing(cell int) bool {
	if cell < 0 || cell > 6 {
		return false
	}
	return m.bit(uint(24 + cell))
}
