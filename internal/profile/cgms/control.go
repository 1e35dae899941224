package cgms

import (
	"fmt"

	"github.com/srg/blesense/internal/codec"
)

// Features is the CGM feature bit field.
type Features uint32

const (
	FeatureCalibration Features = 1 << iota
	FeaturePatientHighLowAlerts
	FeatureHypoAlerts
	FeatureHyperAlerts
	FeatureRateOfChangeAlerts
	FeatureDeviceSpecificAlert
	FeatureSensorMalfunctionDetection
	FeatureSensorTempHighLowDetection
	FeatureSensorResultHighLowDetection
	FeatureLowBatteryDetection
	FeatureSensorTypeErrorDetection
	FeatureGeneralDeviceFault
	FeatureE2ECRC
	FeatureMultipleBond
	FeatureMultipleSessions
	FeatureTrendInformation
	FeatureQuality
)

func (f Features) Has(bit Features) bool { return f&bit != 0 }

// Feature is the decoded CGM feature characteristic (2aa8).
type Feature struct {
	Features Features
	// Type and SampleLocation share one octet on the wire (low and high nibble).
	Type           uint8
	SampleLocation uint8
}

// Secured reports whether the sensor protects its characteristics with an E2E-CRC.
func (f Feature) Secured() bool { return f.Features.Has(FeatureE2ECRC) }

// ParseFeature decodes the feature characteristic. The CRC is only checked
// when the sensor claims E2E-CRC support; otherwise it is 0xFFFF.
func ParseFeature(data []byte) (Feature, error) {
	r := codec.NewReader("cgm feature", data)
	f := Feature{Features: Features(r.Uint24())}
	ts := r.Uint8()
	r.Uint16() // E2E-CRC
	if err := r.Err(); err != nil {
		return Feature{}, err
	}
	f.Type = ts & 0x0F
	f.SampleLocation = ts >> 4

	if f.Secured() {
		if err := verifyCRC("cgm feature", data, 4); err != nil {
			return Feature{}, err
		}
	}
	return f, nil
}

func (f Feature) MarshalBinary() ([]byte, error) {
	b := codec.AppendUint24(nil, uint32(f.Features))
	b = append(b, f.Type&0x0F|f.SampleLocation<<4)
	if f.Secured() {
		return appendCRC(b), nil
	}
	return append(b, 0xFF, 0xFF), nil
}

// Status is the decoded CGM status characteristic (2aa9).
type Status struct {
	// TimeOffset is the current session time in minutes.
	TimeOffset uint16
	Annunciation
}

// ParseStatus decodes the status characteristic, verifying the optional E2E-CRC.
func ParseStatus(data []byte) (Status, error) {
	r := codec.NewReader("cgm status", data)
	s := Status{TimeOffset: r.Uint16()}
	s.Warning = r.Uint8()
	s.CalTemp = r.Uint8()
	s.Status = r.Uint8()
	if err := r.Err(); err != nil {
		return Status{}, err
	}
	switch r.Remaining() {
	case 0:
	case crcSize:
		if err := verifyCRC("cgm status", data, r.Offset()); err != nil {
			return Status{}, err
		}
	default:
		return Status{}, codec.Errorf("cgm status", data, "%d unexpected trailing bytes", r.Remaining())
	}
	return s, nil
}

// Encode encodes s, with an E2E-CRC when withCRC is set.
func (s Status) Encode(withCRC bool) []byte {
	b := []byte{byte(s.TimeOffset), byte(s.TimeOffset >> 8), s.Warning, s.CalTemp, s.Status}
	if withCRC {
		b = appendCRC(b)
	}
	return b
}

// SOCPOpCode is a Specific Ops Control Point op code.
type SOCPOpCode uint8

const (
	OpStartSession SOCPOpCode = 0x1A
	OpStopSession  SOCPOpCode = 0x1B
	OpSOCPResponse SOCPOpCode = 0x1C
)

func (o SOCPOpCode) String() string {
	switch o {
	case OpStartSession:
		return "START_SESSION"
	case OpStopSession:
		return "STOP_SESSION"
	case OpSOCPResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("SOCPOpCode(%#02x)", uint8(o))
	}
}

// SOCPCode is the result carried by a SOCP response.
type SOCPCode uint8

const (
	SOCPSuccess               SOCPCode = 0x01
	SOCPOpCodeNotSupported    SOCPCode = 0x02
	SOCPInvalidOperand        SOCPCode = 0x03
	SOCPProcedureNotCompleted SOCPCode = 0x04
	SOCPParameterOutOfRange   SOCPCode = 0x05
)

func (c SOCPCode) String() string {
	switch c {
	case SOCPSuccess:
		return "SUCCESS"
	case SOCPOpCodeNotSupported:
		return "OP_CODE_NOT_SUPPORTED"
	case SOCPInvalidOperand:
		return "INVALID_OPERAND"
	case SOCPProcedureNotCompleted:
		return "PROCEDURE_NOT_COMPLETED"
	case SOCPParameterOutOfRange:
		return "PARAMETER_OUT_OF_RANGE"
	default:
		return fmt.Sprintf("SOCPCode(%#02x)", uint8(c))
	}
}

// SOCPResponse is the indication answering a SOCP write.
type SOCPResponse struct {
	Request SOCPOpCode
	Code    SOCPCode
}

func (r SOCPResponse) Completed() bool { return r.Code == SOCPSuccess }

// StartSession encodes the start-session command.
func StartSession(secured bool) []byte { return socpCommand(OpStartSession, secured) }

// StopSession encodes the stop-session command.
func StopSession(secured bool) []byte { return socpCommand(OpStopSession, secured) }

func socpCommand(op SOCPOpCode, secured bool) []byte {
	b := []byte{byte(op)}
	if secured {
		b = appendCRC(b)
	}
	return b
}

// ParseSOCPResponse decodes a SOCP response indication. Other SOCP op codes
// are rejected.
func ParseSOCPResponse(data []byte) (SOCPResponse, error) {
	r := codec.NewReader("cgm socp", data)
	op := SOCPOpCode(r.Uint8())
	resp := SOCPResponse{Request: SOCPOpCode(r.Uint8()), Code: SOCPCode(r.Uint8())}
	if err := r.Err(); err != nil {
		return SOCPResponse{}, err
	}
	if op != OpSOCPResponse {
		return SOCPResponse{}, codec.Errorf("cgm socp", data, "unexpected op code %s", op)
	}
	switch r.Remaining() {
	case 0:
	case crcSize:
		if err := verifyCRC("cgm socp", data, r.Offset()); err != nil {
			return SOCPResponse{}, err
		}
	default:
		return SOCPResponse{}, codec.Errorf("cgm socp", data, "%d unexpected trailing bytes", r.Remaining())
	}
	return resp, nil
}

// EncodeSOCPResponse is the peer side of ParseSOCPResponse.
func EncodeSOCPResponse(resp SOCPResponse, withCRC bool) []byte {
	b := []byte{byte(OpSOCPResponse), byte(resp.Request), byte(resp.Code)}
	if withCRC {
		b = appendCRC(b)
	}
	return b
}
