// Package racp implements the Record Access Control Point (0x2A52) used by
// CGM and glucose sensors for bulk history retrieval: request encoding,
// response parsing and the request/response exchange engine.
package racp

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/blesense/internal/codec"
)

// OpCode is a RACP procedure op code.
type OpCode uint8

const (
	OpReportStoredRecords      OpCode = 0x01
	OpDeleteStoredRecords      OpCode = 0x02
	OpAbortOperation           OpCode = 0x03
	OpReportNumberOfRecords    OpCode = 0x04
	OpNumberOfRecordsResponse  OpCode = 0x05
	OpResponseCode             OpCode = 0x06
	opCombinedReportNumber     OpCode = 0x07
	opCombinedReportNumberResp OpCode = 0x08
)

func (o OpCode) String() string {
	switch o {
	case OpReportStoredRecords:
		return "REPORT_STORED_RECORDS"
	case OpDeleteStoredRecords:
		return "DELETE_STORED_RECORDS"
	case OpAbortOperation:
		return "ABORT_OPERATION"
	case OpReportNumberOfRecords:
		return "REPORT_NUMBER_OF_RECORDS"
	case OpNumberOfRecordsResponse:
		return "NUMBER_OF_RECORDS_RESPONSE"
	case OpResponseCode:
		return "RESPONSE_CODE"
	case opCombinedReportNumber:
		return "COMBINED_REPORT"
	case opCombinedReportNumberResp:
		return "COMBINED_REPORT_RESPONSE"
	default:
		return fmt.Sprintf("OpCode(0x%02x)", uint8(o))
	}
}

// Operator qualifies which records a procedure applies to.
type Operator uint8

const (
	OperatorNull           Operator = 0x00
	OperatorAll            Operator = 0x01
	OperatorLessOrEqual    Operator = 0x02
	OperatorGreaterOrEqual Operator = 0x03
	OperatorRange          Operator = 0x04
	OperatorFirst          Operator = 0x05
	OperatorLast           Operator = 0x06
)

// FilterTimeOffset is the CGM filter type selecting records by time offset,
// which doubles as the record sequence number.
const FilterTimeOffset uint8 = 0x01

// ResponseCode is the outcome carried by a RESPONSE_CODE indication.
type ResponseCode uint8

const (
	CodeSuccess               ResponseCode = 0x01
	CodeOpCodeNotSupported    ResponseCode = 0x02
	CodeInvalidOperator       ResponseCode = 0x03
	CodeOperatorNotSupported  ResponseCode = 0x04
	CodeInvalidOperand        ResponseCode = 0x05
	CodeNoRecordsFound        ResponseCode = 0x06
	CodeAbortUnsuccessful     ResponseCode = 0x07
	CodeProcedureNotCompleted ResponseCode = 0x08
	CodeOperandNotSupported   ResponseCode = 0x09
)

func (c ResponseCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeOpCodeNotSupported:
		return "OP_CODE_NOT_SUPPORTED"
	case CodeInvalidOperator:
		return "INVALID_OPERATOR"
	case CodeOperatorNotSupported:
		return "OPERATOR_NOT_SUPPORTED"
	case CodeInvalidOperand:
		return "INVALID_OPERAND"
	case CodeNoRecordsFound:
		return "NO_RECORDS_FOUND"
	case CodeAbortUnsuccessful:
		return "ABORT_UNSUCCESSFUL"
	case CodeProcedureNotCompleted:
		return "PROCEDURE_NOT_COMPLETED"
	case CodeOperandNotSupported:
		return "OPERAND_NOT_SUPPORTED"
	default:
		return fmt.Sprintf("ResponseCode(0x%02x)", uint8(c))
	}
}

// Request encoders. Each returns a fresh slice ready to be written to the control point.

func ReportNumberOfAllStoredRecords() []byte {
	return []byte{byte(OpReportNumberOfRecords), byte(OperatorAll)}
}

func ReportAllStoredRecords() []byte {
	return []byte{byte(OpReportStoredRecords), byte(OperatorAll)}
}

func ReportFirstStoredRecord() []byte {
	return []byte{byte(OpReportStoredRecords), byte(OperatorFirst)}
}

func ReportLastStoredRecord() []byte {
	return []byte{byte(OpReportStoredRecords), byte(OperatorLast)}
}

// ReportStoredRecordsGreaterThanOrEqualTo requests records whose time offset is >= seq.
func ReportStoredRecordsGreaterThanOrEqualTo(seq uint16) []byte {
	b := []byte{byte(OpReportStoredRecords), byte(OperatorGreaterOrEqual), FilterTimeOffset}
	return binary.LittleEndian.AppendUint16(b, seq)
}

func DeleteAllStoredRecords() []byte {
	return []byte{byte(OpDeleteStoredRecords), byte(OperatorAll)}
}

func AbortOperation() []byte {
	return []byte{byte(OpAbortOperation), byte(OperatorNull)}
}

// Response is a parsed RACP indication: either NumberOfRecords or Completion.
type Response interface {
	isResponse()
}

// NumberOfRecords answers a REPORT_NUMBER_OF_RECORDS request.
type NumberOfRecords struct {
	N uint32
}

// Completion is a RESPONSE_CODE indication terminating a procedure.
type Completion struct {
	Request OpCode
	Code    ResponseCode
}

func (NumberOfRecords) isResponse() {}
func (Completion) isResponse()      {}

const name = "record access control point"

// ParseResponse decodes a RACP indication.
func ParseResponse(data []byte) (Response, error) {
	r := codec.NewReader(name, data)
	op := OpCode(r.Uint8())
	operator := Operator(r.Uint8())
	if err := r.Err(); err != nil {
		return nil, err
	}
	if operator != OperatorNull {
		return nil, codec.Errorf(name, data, "unexpected operator 0x%02x in response", uint8(operator))
	}

	switch op {
	case OpNumberOfRecordsResponse:
		var n uint32
		if r.Remaining() >= 4 {
			n = r.Uint32()
		} else {
			n = uint32(r.Uint16())
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		return NumberOfRecords{N: n}, nil
	case OpResponseCode:
		req := OpCode(r.Uint8())
		code := ResponseCode(r.Uint8())
		if err := r.Err(); err != nil {
			return nil, err
		}
		return Completion{Request: req, Code: code}, nil
	default:
		return nil, codec.Errorf(name, data, "unexpected op code %s", op)
	}
}

// EncodeResponse is the inverse of ParseResponse. It is used by test peripherals.
func EncodeResponse(resp Response) []byte {
	switch v := resp.(type) {
	case NumberOfRecords:
		b := []byte{byte(OpNumberOfRecordsResponse), byte(OperatorNull)}
		if v.N > 0xFFFF {
			return binary.LittleEndian.AppendUint32(b, v.N)
		}
		return binary.LittleEndian.AppendUint16(b, uint16(v.N))
	case Completion:
		return []byte{byte(OpResponseCode), byte(OperatorNull), byte(v.Request), byte(v.Code)}
	default:
		return nil
	}
}
