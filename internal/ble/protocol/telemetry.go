// Package protocol implements the fixed-width binary framing used by the
// TruMoto controller's GATT characteristics.
//
// Every frame is a run of IEEE-754 float32 fields, little-endian, 4 bytes
// each. Telemetry notifications carry five fields; throttle-curve writes
// carry five; regen writes carry one.
//
// Values widen to float64 after decoding but keep float32 precision: a
// controller reporting 48.2 V decodes as 48.20000076293945.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// FieldWidth is the byte width of one numeric field on the wire.
const FieldWidth = 4

const (
	// TelemetryFields is the number of fields in a telemetry notification.
	TelemetryFields = 5
	// CurvePoints is the number of throttle-curve points (0/25/50/75/100%).
	CurvePoints = 5
)

// ErrMalformedFrame is returned when a frame is too short to hold the
// fields it is supposed to carry.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Snapshot is one decoded telemetry sample.
type Snapshot struct {
	Speed             float64 `json:"speed" yaml:"speed"`                           // km/h
	BatteryVoltage    float64 `json:"battery_voltage" yaml:"battery_voltage"`       // V
	MotorCurrent      float64 `json:"motor_current" yaml:"motor_current"`           // A
	MotorTemperature  float64 `json:"motor_temperature" yaml:"motor_temperature"`   // °C
	BatteryPercentage float64 `json:"battery_percentage" yaml:"battery_percentage"` // 0-100
}

// ThrottleCurve holds the power response at 0, 25, 50, 75 and 100% throttle.
// Order is meaningful; never sort it.
type ThrottleCurve [CurvePoints]float64

// DecodeTelemetry decodes a telemetry notification. Bytes past the fifth
// field are ignored. Values are not range checked.
func DecodeTelemetry(frame []byte) (Snapshot, error) {
	if len(frame) < TelemetryFields*FieldWidth {
		return Snapshot{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedFrame, len(frame), TelemetryFields*FieldWidth)
	}
	return Snapshot{
		Speed:             readField(frame, 0),
		BatteryVoltage:    readField(frame, 1),
		MotorCurrent:      readField(frame, 2),
		MotorTemperature:  readField(frame, 3),
		BatteryPercentage: readField(frame, 4),
	}, nil
}

// EncodeTelemetry is the inverse of DecodeTelemetry.
func EncodeTelemetry(s Snapshot) []byte {
	return encodeFields(s.Speed, s.BatteryVoltage, s.MotorCurrent, s.MotorTemperature, s.BatteryPercentage)
}

// EncodeThrottleCurve serializes the five curve points in order.
func EncodeThrottleCurve(c ThrottleCurve) []byte {
	return encodeFields(c[:]...)
}

// DecodeThrottleCurve is the inverse of EncodeThrottleCurve.
func DecodeThrottleCurve(frame []byte) (ThrottleCurve, error) {
	var c ThrottleCurve
	if len(frame) < CurvePoints*FieldWidth {
		return c, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedFrame, len(frame), CurvePoints*FieldWidth)
	}
	for i := range c {
		c[i] = readField(frame, i)
	}
	return c, nil
}

// EncodeRegen serializes a regen strength as a single field.
func EncodeRegen(strength float64) []byte {
	return encodeFields(strength)
}

// DecodeRegen is the inverse of EncodeRegen.
func DecodeRegen(frame []byte) (float64, error) {
	if len(frame) < FieldWidth {
		return 0, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedFrame, len(frame), FieldWidth)
	}
	return readField(frame, 0), nil
}

// Fields splits a frame into whole fields. A trailing partial field is dropped.
func Fields(frame []byte) []float64 {
	n := len(frame) / FieldWidth
	out := make([]float64, n)
	for i := range out {
		out[i] = readField(frame, i)
	}
	return out
}

func readField(frame []byte, i int) float64 {
	bits := binary.LittleEndian.Uint32(frame[i*FieldWidth:])
	return float64(math.Float32frombits(bits))
}

func encodeFields(values ...float64) []byte {
	buf := make([]byte, 0, len(values)*FieldWidth)
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
	}
	return buf
}
