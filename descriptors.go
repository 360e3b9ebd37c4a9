package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Descriptor is the static definition of one polled register value: where it
// lives, how to scale it, and how often to read it.
type Descriptor struct {
	Name    string
	Units   string
	Address uint16
	Length  uint16 // register words, 1 or 2
	Gain    float64
	Offset  float64
	Period  float64 // seconds between polls
}

// defaultPollPeriod applies when a descriptor row omits its period column.
const defaultPollPeriod = 1.0

// Key returns the store key for this descriptor: the register address.
func (d Descriptor) Key() string {
	return strconv.Itoa(int(d.Address))
}

// Well-known controller registers the scheduler's control and safety logic
// depends on. See the controller's communications manual, section 10.6
// (instrumentation page) and 10.57 (virtual LEDs).
const (
	RegFuelLevel    = 1027       // fuel level, %
	RegBatteryLevel = 1223       // plant battery voltage
	RegEngineSpeed  = 1030       // engine speed, RPM
	RegPidEnable    = 191*256 + 0 // virtual LED 1: RPM control enable
	RegRemoteKill   = 191*256 + 1 // virtual LED 2: remote kill request
)

// mandatoryTemplates are appended for any mandatory register missing from a
// loaded descriptor file, so the scheduler always has the keys it needs.
var mandatoryTemplates = []Descriptor{
	{Name: "Fuel level", Units: "%", Address: RegFuelLevel, Length: 1, Gain: 1.0, Offset: 0.0, Period: 60.0},
	{Name: "Battery level", Units: "V", Address: RegBatteryLevel, Length: 1, Gain: 1.0, Offset: 0.0, Period: 1.0},
	{Name: "Engine speed", Units: "RPM", Address: RegEngineSpeed, Length: 1, Gain: 1.0, Offset: 0.0, Period: 0.1},
	{Name: "Enable RPM control", Units: "boolean", Address: RegPidEnable, Length: 1, Gain: 1.0, Offset: 0.0, Period: 1.0},
	{Name: "Remote kill", Units: "boolean", Address: RegRemoteKill, Length: 1, Gain: 1.0, Offset: 0.0, Period: 1.0},
}

// AddMandatoryMeasurements appends a template descriptor for every mandatory
// address not already present in the list. Existing descriptors win, so a
// file can override a mandatory register's scaling or period.
func AddMandatoryMeasurements(list []Descriptor) []Descriptor {
	present := make(map[uint16]bool, len(list))
	for _, d := range list {
		present[d.Address] = true
	}
	for _, tmpl := range mandatoryTemplates {
		if !present[tmpl.Address] {
			list = append(list, tmpl)
		}
	}
	return list
}

// ReadDescriptorFile loads a descriptor list from a tabular text file. The
// first two lines are headers; each following line is
// name,unit,address,length,gain,offset[,period].
func ReadDescriptorFile(path string) ([]Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseDescriptors(f)
}

// ParseDescriptors parses the descriptor table from r.
func ParseDescriptors(r io.Reader) ([]Descriptor, error) {
	scanner := bufio.NewScanner(r)
	var list []Descriptor
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue // header lines
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d, err := parseDescriptorLine(line)
		if err != nil {
			return nil, fmt.Errorf("measurement list line %d: %w", lineNo, err)
		}
		list = append(list, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func parseDescriptorLine(line string) (Descriptor, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 6 {
		return Descriptor{}, fmt.Errorf("want at least 6 fields, got %d", len(fields))
	}
	address, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 16)
	if err != nil {
		return Descriptor{}, fmt.Errorf("address: %w", err)
	}
	length, err := strconv.ParseUint(strings.TrimSpace(fields[3]), 10, 16)
	if err != nil {
		return Descriptor{}, fmt.Errorf("length: %w", err)
	}
	gain, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	if err != nil {
		return Descriptor{}, fmt.Errorf("gain: %w", err)
	}
	offset, err := strconv.ParseFloat(strings.TrimSpace(fields[5]), 64)
	if err != nil {
		return Descriptor{}, fmt.Errorf("offset: %w", err)
	}
	period := defaultPollPeriod
	if len(fields) > 6 && strings.TrimSpace(fields[6]) != "" {
		period, err = strconv.ParseFloat(strings.TrimSpace(fields[6]), 64)
		if err != nil {
			return Descriptor{}, fmt.Errorf("period: %w", err)
		}
	}
	return Descriptor{
		Name:    strings.TrimSpace(fields[0]),
		Units:   strings.TrimSpace(fields[1]),
		Address: uint16(address),
		Length:  uint16(length),
		Gain:    gain,
		Offset:  offset,
		Period:  period,
	}, nil
}

// signedAddresses lists the registers that hold signed values, from the
// controller's communications manual. Everything else decodes unsigned.
var signedAddresses = buildSignedAddresses()

func buildSignedAddresses() map[uint16]bool {
	addrs := []uint16{
		// Page 4: basic instrumentation
		256*4 + 1,   // coolant temperature, degC
		256*4 + 2,   // oil temperature, degC
		256*4 + 28,  // generator L1 watts
		256*4 + 30,  // generator L2 watts
		256*4 + 32,  // generator L3 watts
		256*4 + 34,  // generator current lag/lead, deg
		256*4 + 48,  // mains voltage phase lag/lead, deg
		256*4 + 51,  // mains current phase lag/lead, deg
		256*4 + 60,  // mains L1 watts
		256*4 + 62,  // mains L2 watts
		256*4 + 64,  // mains L3 watts
		256*4 + 66,  // bus current lag/lead, deg
		256*4 + 88,  // bus L1 watts
		256*4 + 90,  // bus L2 watts
		256*4 + 92,  // bus L3 watts
		256*4 + 116, // bus 2 L1 watts
		256*4 + 118, // bus 2 L2 watts
		256*4 + 120, // bus 2 L3 watts
		256*4 + 123, // bus 2 current lag/lead, deg
		256*4 + 145, // S1 L1 watts
		256*4 + 147, // S1 L2 watts
		256*4 + 149, // S1 L3 watts
		256*4 + 151, // S1 current lag/lead, deg
		256*4 + 173, // S2 L1 watts
		256*4 + 175, // S2 L2 watts
		256*4 + 177, // S2 L3 watts
		256*4 + 179, // S2 current lag/lead, deg
		256*4 + 186, // load L1 watts
		256*4 + 188, // load L2 watts
		256*4 + 190, // load L3 watts
		256*4 + 192, // load current lag/lead, deg
		256*4 + 195, // governor output, %
		256*4 + 196, // AVR output, %
		256*4 + 200, // DC shunt 1 current, A
		256*4 + 202, // DC shunt 2 current, A
		256*4 + 204, // DC load current, A
		256*4 + 206, // DC plant battery current, A
		256*4 + 208, // DC total current, A
		256*4 + 212, // DC charger watts
		256*4 + 214, // DC plant battery watts
		256*4 + 216, // DC load watts
		256*4 + 218, // DC total watts
		256*4 + 221, // DC plant battery temperature, degC
		256*4 + 223, // mains zero sequence voltage angle, deg
		256*4 + 224, // mains positive sequence voltage angle, deg
		256*4 + 225, // mains negative sequence voltage angle, deg
		256*4 + 232, // battery charger output current, mA
		256*4 + 234, // battery charger output voltage, mV
		256*4 + 236, // battery open circuit voltage, mV
		256*4 + 252, // battery charger auxiliary voltage, mV
		256*4 + 254, // battery charger auxiliary current, mV
		// Page 5: engine senders (temperatures and pressures)
		256*5 + 6,   // inlet manifold temperature 1, degC
		256*5 + 7,   // inlet manifold temperature 2, degC
		256*5 + 8,   // exhaust temperature 1, degC
		256*5 + 9,   // exhaust temperature 2, degC
		256*5 + 15,  // fuel temperature, degC
		256*5 + 49,  // auxiliary sender 1 value
		256*5 + 51,  // auxiliary sender 2 value
		256*5 + 53,  // auxiliary sender 3 value
		256*5 + 55,  // auxiliary sender 4 value
		256*5 + 66,  // after treatment temperature T1, degC
		256*5 + 67,  // after treatment temperature T3, degC
		256*5 + 70,  // engine percentage torque, %
		256*5 + 72,  // engine demand torque, %
		256*5 + 76,  // nominal friction percentage torque, %
		256*5 + 78,  // crank case pressure, kPa
		256*5 + 86,  // exhaust gas port 1 temperature, degC
		256*5 + 87,  // exhaust gas port 2 temperature, degC
		256*5 + 88,  // exhaust gas port 3 temperature, degC
		256*5 + 89,  // exhaust gas port 4 temperature, degC
		256*5 + 90,  // exhaust gas port 5 temperature, degC
		256*5 + 91,  // exhaust gas port 6 temperature, degC
		256*5 + 92,  // exhaust gas port 7 temperature, degC
		256*5 + 93,  // exhaust gas port 8 temperature, degC
		256*5 + 94,  // exhaust gas port 9 temperature, degC
		256*5 + 95,  // exhaust gas port 10 temperature, degC
		256*5 + 96,  // exhaust gas port 11 temperature, degC
		256*5 + 97,  // exhaust gas port 12 temperature, degC
		256*5 + 98,  // exhaust gas port 13 temperature, degC
		256*5 + 99,  // exhaust gas port 14 temperature, degC
		256*5 + 100, // exhaust gas port 15 temperature, degC
		256*5 + 101, // exhaust gas port 16 temperature, degC
		256*5 + 102, // intercooler temperature, degC
		256*5 + 103, // turbo oil temperature, degC
		256*5 + 104, // ECU temperature, degC
		256*5 + 113, // inlet manifold temperature 3, degC
		256*5 + 114, // inlet manifold temperature 4, degC
		256*5 + 115, // inlet manifold temperature 5, degC
		256*5 + 116, // inlet manifold temperature 6, degC
		256*5 + 154, // battery current, A
		256*5 + 190, // LCD temperature, degC
		256*5 + 192, // DEF tank temperature, degC
		256*5 + 201, // EGR temperature, degC
		256*5 + 202, // ambient air temperature, degC
		256*5 + 203, // air intake temperature, degC
		256*5 + 210, // oil pressure, kPa
		256*5 + 217, // exhaust gas port 17 temperature, degC
		256*5 + 218, // exhaust gas port 18 temperature, degC
		256*5 + 219, // exhaust gas port 19 temperature, degC
		256*5 + 220, // exhaust gas port 20 temperature, degC
		// Page 6: derived power values
		256*6 + 0,  // generator total watts
		256*6 + 8,  // generator total VA
		256*6 + 10, // generator L1 Var
		256*6 + 12, // generator L2 Var
		256*6 + 14, // generator L3 Var
		256*6 + 16, // generator total Var
		256*6 + 18, // generator power factor L1
		256*6 + 19, // generator power factor L2
		256*6 + 20, // generator power factor L3
		256*6 + 21, // generator average power factor
		256*6 + 22, // generator percentage of full power, %
		256*6 + 23, // generator percentage of full Var, %
		256*6 + 24, // mains total watts
		256*6 + 34, // mains L1 Var
		256*6 + 36, // mains L2 Var
		256*6 + 38, // mains L3 Var
		256*6 + 40, // mains total Var
		256*6 + 42, // mains power factor L1
		256*6 + 43, // mains power factor L2
		256*6 + 44, // mains power factor L3
		256*6 + 45, // mains average power factor
		256*6 + 46, // mains percentage of full power, %
		256*6 + 47, // mains percentage of full Var, %
		256*6 + 48, // bus total watts
		256*6 + 58, // bus L1 Var
		// Page 7: maintenance timers
		256*7 + 2,  // time to next engine maintenance, sec
		256*7 + 44, // time to next engine maintenance alarm 1, sec
		256*7 + 48, // time to next engine maintenance alarm 2, sec
		256*7 + 52, // time to next engine maintenance alarm 3, sec
		256*7 + 56, // time to next plant battery maintenance, sec
		256*7 + 64, // time to next plant battery maintenance alarm 1, sec
		256*7 + 72, // time to next plant battery maintenance alarm 2, sec
		256*7 + 80, // time to next plant battery maintenance alarm 3, sec
	}
	m := make(map[uint16]bool, len(addrs))
	for _, a := range addrs {
		m[a] = true
	}
	return m
}
