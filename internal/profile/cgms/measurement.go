package cgms

import (
	"encoding/binary"

	"github.com/srg/blesense/internal/codec"
	"github.com/srg/blesense/internal/ieee11073"
)

// Annunciation is the CGM sensor status annunciation (warning, calibration
// and temperature, status octets).
type Annunciation struct {
	Warning uint8
	CalTemp uint8
	Status  uint8
}

// SessionStopped reports the "session stopped" status bit.
func (a Annunciation) SessionStopped() bool { return a.Status&0x01 != 0 }

// Measurement is one CGM measurement record (2aa7).
type Measurement struct {
	// Glucose is the glucose concentration in mg/dL.
	Glucose float32
	// TimeOffset is minutes since the session start. It doubles as the sequence number.
	TimeOffset uint16
	// Optional annunciation octets, nil when absent.
	Warning *uint8
	CalTemp *uint8
	Status  *uint8
	// Trend is the glucose trend in (mg/dL)/min, nil when absent.
	Trend *float32
	// Quality is the measurement quality in percent, nil when absent.
	Quality *float32
}

const (
	flagTrend   = 0x01
	flagQuality = 0x02
	flagWarning = 0x20
	flagCalTemp = 0x40
	flagStatus  = 0x80

	minRecordSize = 6
	crcSize       = 2
)

// ParseMeasurements decodes a measurement notification. A notification may
// carry several size-prefixed records; an E2E-CRC is verified when a record
// is two bytes longer than its fields.
func ParseMeasurements(data []byte) ([]Measurement, error) {
	// https://www.bluetooth.com/specifications/specs/continuous-glucose-monitoring-service-1-0-1/
	var out []Measurement
	for off := 0; off < len(data); {
		size := int(data[off])
		if size < minRecordSize {
			return nil, codec.Errorf("cgm measurement", data, "record at offset %d has size %d", off, size)
		}
		if off+size > len(data) {
			return nil, codec.Errorf("cgm measurement", data, "record at offset %d needs %d bytes, %d left", off, size, len(data)-off)
		}
		m, err := parseRecord(data[off : off+size])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		off += size
	}
	if len(out) == 0 {
		return nil, codec.Errorf("cgm measurement", data, "no records")
	}
	return out, nil
}

func parseRecord(rec []byte) (Measurement, error) {
	r := codec.NewReader("cgm measurement", rec)
	r.Uint8() // size
	flags := r.Uint8()

	m := Measurement{
		Glucose:    r.SFloat(),
		TimeOffset: r.Uint16(),
	}
	if flags&flagWarning != 0 {
		v := r.Uint8()
		m.Warning = &v
	}
	if flags&flagCalTemp != 0 {
		v := r.Uint8()
		m.CalTemp = &v
	}
	if flags&flagStatus != 0 {
		v := r.Uint8()
		m.Status = &v
	}
	if flags&flagTrend != 0 {
		v := r.SFloat()
		m.Trend = &v
	}
	if flags&flagQuality != 0 {
		v := r.SFloat()
		m.Quality = &v
	}
	if err := r.Err(); err != nil {
		return Measurement{}, err
	}

	switch r.Remaining() {
	case 0:
	case crcSize:
		fields := r.Offset()
		if err := verifyCRC("cgm measurement", rec, fields); err != nil {
			return Measurement{}, err
		}
	default:
		return Measurement{}, codec.Errorf("cgm measurement", rec, "%d unexpected trailing bytes", r.Remaining())
	}
	return m, nil
}

// verifyCRC checks the little-endian E2E-CRC stored at data[n:n+2] against data[:n].
func verifyCRC(name string, data []byte, n int) error {
	want := binary.LittleEndian.Uint16(data[n:])
	if got := ieee11073.CRC16(data[:n]); got != want {
		return codec.Errorf(name, data, "E2E-CRC mismatch: got %#04x, want %#04x", got, want)
	}
	return nil
}

// appendCRC appends the E2E-CRC of b.
func appendCRC(b []byte) []byte {
	return binary.LittleEndian.AppendUint16(b, ieee11073.CRC16(b))
}

// AppendRecord appends m as one size-prefixed record, with an E2E-CRC when withCRC is set.
func (m Measurement) AppendRecord(b []byte, withCRC bool) ([]byte, error) {
	var flags byte
	if m.Trend != nil {
		flags |= flagTrend
	}
	if m.Quality != nil {
		flags |= flagQuality
	}
	if m.Warning != nil {
		flags |= flagWarning
	}
	if m.CalTemp != nil {
		flags |= flagCalTemp
	}
	if m.Status != nil {
		flags |= flagStatus
	}

	rec := []byte{0, flags}
	rec, err := codec.AppendSFloat(rec, m.Glucose)
	if err != nil {
		return b, err
	}
	rec = binary.LittleEndian.AppendUint16(rec, m.TimeOffset)
	for _, octet := range []*uint8{m.Warning, m.CalTemp, m.Status} {
		if octet != nil {
			rec = append(rec, *octet)
		}
	}
	for _, v := range []*float32{m.Trend, m.Quality} {
		if v == nil {
			continue
		}
		if rec, err = codec.AppendSFloat(rec, *v); err != nil {
			return b, err
		}
	}

	rec[0] = byte(len(rec))
	if withCRC {
		rec[0] += crcSize
		rec = appendCRC(rec)
	}
	return append(b, rec...), nil
}

// MarshalBinary encodes m as a single record without E2E-CRC.
func (m Measurement) MarshalBinary() ([]byte, error) {
	return m.AppendRecord(nil, false)
}

// EncodeMeasurements encodes ms as one notification payload.
func EncodeMeasurements(withCRC bool, ms ...Measurement) ([]byte, error) {
	var b []byte
	for _, m := range ms {
		var err error
		if b, err = m.AppendRecord(b, withCRC); err != nil {
			return nil, err
		}
	}
	return b, nil
}
