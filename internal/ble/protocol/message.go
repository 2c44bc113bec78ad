// Package protocol implements the gas-sensor wire format: the JSON messages
// streamed over BLE notifications, the plain-text gas command written to the
// command characteristic, and reassembly of fragmented notifications.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedMessage is returned when a reassembled frame is not a
// recognizable sensor message.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// MaxADC is the full-scale reading of the sensor's 12-bit ADC.
const MaxADC = 4095

// GasType identifies which gas the sensor is currently measuring.
type GasType int

const (
	GasUnknown GasType = iota
	GasCO
	GasH2
	GasLPG
	GasCH4
	GasAlcohol
)

// GasTypes lists the selectable gases in the firmware's index order.
var GasTypes = []GasType{GasCO, GasH2, GasLPG, GasCH4, GasAlcohol}

func (g GasType) String() string {
	switch g {
	case GasCO:
		return "CO"
	case GasH2:
		return "H2"
	case GasLPG:
		return "LPG"
	case GasCH4:
		return "CH4"
	case GasAlcohol:
		return "ALCOHOL"
	default:
		return "UNKNOWN"
	}
}

// ParseGasType maps a wire gas name to a GasType. Matching is
// case-insensitive; unknown names return GasUnknown and false.
func ParseGasType(name string) (GasType, bool) {
	for _, g := range GasTypes {
		if strings.EqualFold(strings.TrimSpace(name), g.String()) {
			return g, true
		}
	}
	return GasUnknown, false
}

// SensorReading is one parsed measurement.
type SensorReading struct {
	RawADC  int
	Voltage float64
	PPM     float64
	Gas     GasType

	// GasReported is false when the message carried no "gas" field and Gas
	// holds the CO default.
	GasReported bool
	// Partial is set when one of ADC, V or ppm was missing (field-scraped
	// frames carry only the fields that were recovered).
	Partial bool
}

// GasChanged is the peripheral's confirmation of a gas command.
type GasChanged struct {
	To        GasType
	Requested GasType
	Success   bool
	Timestamp int64
}

// StatusReport is the value of the status characteristic.
type StatusReport struct {
	Status     string
	CurrentGas GasType
	GasIndex   int
}

// MessageKind tells which payload a Message carries.
type MessageKind int

const (
	KindReading MessageKind = iota + 1
	KindGasChanged
	KindStatus
)

func (k MessageKind) String() string {
	switch k {
	case KindReading:
		return "reading"
	case KindGasChanged:
		return "gas_changed"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Message is a decoded application message. Exactly one of the payload
// pointers is set, matching Kind.
type Message struct {
	Kind       MessageKind
	Reading    *SensorReading
	GasChanged *GasChanged
	Status     *StatusReport
}

// wireMessage is the union of every field the firmware sends.
type wireMessage struct {
	ADC *json.Number `json:"ADC"`
	V   *json.Number `json:"V"`
	PPM *json.Number `json:"ppm"`
	Gas *string      `json:"gas"`

	Command   *string `json:"command"`
	To        *string `json:"to"`
	Success   *bool   `json:"success"`
	Requested *string `json:"requested"`
	Timestamp *int64  `json:"timestamp"`

	Status     *string `json:"status"`
	CurrentGas *string `json:"current_gas"`
	GasIndex   *int    `json:"gas_index"`
}

// ParseMessage decodes one complete frame. Errors wrap ErrMalformedMessage.
func ParseMessage(text string) (Message, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") {
		return Message{}, fmt.Errorf("%w: not a JSON object: %q", ErrMalformedMessage, text)
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch {
	case w.Command != nil:
		return parseGasChanged(&w)
	case w.Status != nil || w.CurrentGas != nil:
		return parseStatus(&w)
	default:
		return parseReading(&w)
	}
}

func parseReading(w *wireMessage) (Message, error) {
	present := 0
	r := SensorReading{Gas: GasCO}

	if w.ADC != nil {
		adc, err := w.ADC.Int64()
		if err != nil {
			return Message{}, fmt.Errorf("%w: ADC %q is not an integer", ErrMalformedMessage, w.ADC.String())
		}
		if adc < 0 || adc > MaxADC {
			return Message{}, fmt.Errorf("%w: ADC %d out of range", ErrMalformedMessage, adc)
		}
		r.RawADC = int(adc)
		present++
	}
	if w.V != nil {
		v, err := w.V.Float64()
		if err != nil {
			return Message{}, fmt.Errorf("%w: V %q is not a number", ErrMalformedMessage, w.V.String())
		}
		r.Voltage = v
		present++
	}
	if w.PPM != nil {
		ppm, err := w.PPM.Float64()
		if err != nil {
			return Message{}, fmt.Errorf("%w: ppm %q is not a number", ErrMalformedMessage, w.PPM.String())
		}
		r.PPM = ppm
		present++
	}
	if present < 2 {
		return Message{}, fmt.Errorf("%w: reading needs at least two of ADC, V, ppm", ErrMalformedMessage)
	}
	r.Partial = present < 3

	if w.Gas != nil {
		g, _ := ParseGasType(*w.Gas)
		r.Gas = g
		r.GasReported = true
	}
	return Message{Kind: KindReading, Reading: &r}, nil
}

func parseGasChanged(w *wireMessage) (Message, error) {
	if *w.Command != "gas_changed" {
		return Message{}, fmt.Errorf("%w: unknown command %q", ErrMalformedMessage, *w.Command)
	}
	if w.To == nil || w.Success == nil {
		return Message{}, fmt.Errorf("%w: gas_changed without to/success", ErrMalformedMessage)
	}
	c := GasChanged{Success: *w.Success}
	c.To, _ = ParseGasType(*w.To)
	if w.Requested != nil {
		c.Requested, _ = ParseGasType(*w.Requested)
	}
	if w.Timestamp != nil {
		c.Timestamp = *w.Timestamp
	}
	return Message{Kind: KindGasChanged, GasChanged: &c}, nil
}

func parseStatus(w *wireMessage) (Message, error) {
	s := StatusReport{GasIndex: -1}
	if w.Status != nil {
		s.Status = *w.Status
	}
	if w.CurrentGas != nil {
		s.CurrentGas, _ = ParseGasType(*w.CurrentGas)
	}
	if w.GasIndex != nil {
		s.GasIndex = *w.GasIndex
	}
	return Message{Kind: KindStatus, Status: &s}, nil
}

// EncodeGasCommand builds the command characteristic payload
// "<GAS>:<unixMillis>".
func EncodeGasCommand(g GasType, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s:%d", g, at.UnixMilli()))
}

// DecodeGasCommand is the peripheral-side inverse of EncodeGasCommand.
func DecodeGasCommand(data []byte) (GasType, int64, error) {
	name, stamp, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok {
		return GasUnknown, 0, fmt.Errorf("%w: command %q has no timestamp", ErrMalformedMessage, data)
	}
	g, known := ParseGasType(name)
	if !known {
		return GasUnknown, 0, fmt.Errorf("%w: unknown gas %q", ErrMalformedMessage, name)
	}
	var ms int64
	if _, err := fmt.Sscanf(stamp, "%d", &ms); err != nil {
		return GasUnknown, 0, fmt.Errorf("%w: bad timestamp %q", ErrMalformedMessage, stamp)
	}
	return g, ms, nil
}

// EncodeReading renders a reading the way the firmware does.
func EncodeReading(r SensorReading) []byte {
	return []byte(fmt.Sprintf(`{"ADC":%d,"V":%.2f,"ppm":%.1f,"gas":"%s"}`, r.RawADC, r.Voltage, r.PPM, r.Gas))
}

// EncodeGasChanged renders a gas change confirmation.
func EncodeGasChanged(c GasChanged) []byte {
	return []byte(fmt.Sprintf(`{"command":"gas_changed","to":"%s","success":%t,"requested":"%s","timestamp":%d}`,
		c.To, c.Success, c.Requested, c.Timestamp))
}

// EncodeStatus renders a status characteristic value.
func EncodeStatus(s StatusReport) []byte {
	return []byte(fmt.Sprintf(`{"status":"%s","current_gas":"%s","gas_index":%d}`, s.Status, s.CurrentGas, s.GasIndex))
}
