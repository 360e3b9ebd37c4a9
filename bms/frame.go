// Package bms parses the battery management system's periodic serial status
// reports: fixed-width ASCII frames with a trailing Fletcher-16 checksum.
// Malformed or short frames are an expected occurrence on a live serial line,
// so validation reports failure without error values.
package bms

import (
	"strconv"
	"strings"
)

const (
	// payloadLen is the number of bytes covered by the checksum.
	payloadLen = 122
	// minFrameLen is payload plus the 4 hex checksum characters.
	minFrameLen = payloadLen + 4
	// typeOffset is the position of the report-type character.
	typeOffset = 4
)

// Frame type characters.
const (
	TypeString = 'S' // pack-level string status report
	TypeModule = 'M' // per-module status report
)

// Fletcher16 computes the checksum used by the BMS protocol. Bytes are
// accumulated in the order received, sum1 then sum2 each iteration, and the
// result packs sum1 into the high byte. This is byte-swapped relative to the
// textbook Fletcher-16, matching the BMS firmware.
func Fletcher16(data []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range data {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum1<<8 | sum2
}

// ValidFrame reports whether line is long enough and carries a checksum
// matching its payload. The trailing newline, if any, must already be
// stripped of consideration: only the first minFrameLen bytes are examined.
func ValidFrame(line []byte) bool {
	if len(line) < minFrameLen {
		return false
	}
	want, err := strconv.ParseUint(string(line[payloadLen:payloadLen+4]), 16, 16)
	if err != nil {
		return false
	}
	return Fletcher16(line[:payloadLen]) == uint16(want)
}

// FrameType returns the report-type character of a frame that has already
// passed ValidFrame.
func FrameType(line []byte) byte {
	return line[typeOffset]
}

// fixed-width integer field, trimming spaces so right-aligned fields parse
func parseInt(line string, lo, hi int) (int, error) {
	return strconv.Atoi(strings.TrimSpace(line[lo:hi]))
}

// hex bitfield, e.g. the alarm-and-status word
func parseHex(line string, lo, hi int) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(line[lo:hi]), 16, 32)
	return uint32(v), err
}
