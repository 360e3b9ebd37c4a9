package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const descriptorFile = `Measurement list for the generator controller
name,units,address,length,gain,offset,period
RPM,RPM,1030,1,1.0,0.0,0.5
Coolant temp,degC,1025,1,1.0,0.0
Oil pressure,kPa,1024,1,0.5,0.0,5
`

func TestParseDescriptors_SkipsHeadersAndBlankLines(t *testing.T) {
	list, err := ParseDescriptors(strings.NewReader(descriptorFile + "\n\n"))
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, Descriptor{Name: "RPM", Units: "RPM", Address: 1030, Length: 1, Gain: 1.0, Offset: 0.0, Period: 0.5}, list[0])
	assert.Equal(t, defaultPollPeriod, list[1].Period, "missing period column falls back to default")
	assert.Equal(t, 5.0, list[2].Period)
}

func TestParseDescriptors_RejectsShortRow(t *testing.T) {
	_, err := ParseDescriptors(strings.NewReader("h1\nh2\nRPM,RPM,1030,1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestParseDescriptors_RejectsBadAddress(t *testing.T) {
	_, err := ParseDescriptors(strings.NewReader("h1\nh2\nRPM,RPM,nope,1,1.0,0.0\n"))
	require.Error(t, err)
}

func TestAddMandatoryMeasurements_FileDescriptorsWin(t *testing.T) {
	list, err := ParseDescriptors(strings.NewReader(descriptorFile))
	require.NoError(t, err)
	list = AddMandatoryMeasurements(list)

	byAddress := make(map[uint16][]Descriptor)
	for _, d := range list {
		byAddress[d.Address] = append(byAddress[d.Address], d)
	}

	// Every mandatory register is present exactly once
	for _, tmpl := range mandatoryTemplates {
		require.Len(t, byAddress[tmpl.Address], 1, "register %d", tmpl.Address)
	}

	// The file's RPM row overrides the template, keeping its period
	rpm := byAddress[RegEngineSpeed][0]
	assert.Equal(t, "RPM", rpm.Name)
	assert.Equal(t, 0.5, rpm.Period)

	// Injected registers carry their template periods
	assert.Equal(t, 60.0, byAddress[RegFuelLevel][0].Period)
	assert.Equal(t, 1.0, byAddress[RegRemoteKill][0].Period)
}

func TestAddMandatoryMeasurements_IdempotentOnEmptyList(t *testing.T) {
	list := AddMandatoryMeasurements(nil)
	assert.Len(t, list, len(mandatoryTemplates))
	list = AddMandatoryMeasurements(list)
	assert.Len(t, list, len(mandatoryTemplates))
}

func TestSignedAddresses_CoverAllInstrumentationPages(t *testing.T) {
	// One representative per block of the controller's signed-register map,
	// including the buses, switched sources, load, sequence angles, charger
	// auxiliaries, engine senders and the maintenance alarm timers.
	for _, addr := range []uint16{
		256*4 + 1,   // coolant temperature
		256*4 + 116, // bus 2 L1 watts
		256*4 + 151, // S1 current lag/lead
		256*4 + 179, // S2 current lag/lead
		256*4 + 190, // load L3 watts
		256*4 + 224, // mains positive sequence voltage angle
		256*4 + 254, // battery charger auxiliary current
		256*5 + 49,  // auxiliary sender 1
		256*5 + 101, // exhaust gas port 16 temperature
		256*5 + 220, // exhaust gas port 20 temperature
		256*6 + 34,  // mains L1 Var
		256*6 + 45,  // mains average power factor
		256*6 + 58,  // bus L1 Var
		256*7 + 44,  // engine maintenance alarm 1
		256*7 + 80,  // plant battery maintenance alarm 3
	} {
		assert.True(t, signedAddresses[addr], "register %d decodes signed", addr)
	}

	// Voltages and frequencies stay unsigned
	for _, addr := range []uint16{256*4 + 0, 256*4 + 3, 256*6 + 2} {
		assert.False(t, signedAddresses[addr], "register %d decodes unsigned", addr)
	}
}

func TestDescriptorKey_IsRegisterAddress(t *testing.T) {
	d := Descriptor{Address: 1030}
	assert.Equal(t, "1030", d.Key())
}
