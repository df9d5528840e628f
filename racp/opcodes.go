// Package racp drives the band's record access control point: it syncs the
// device clock, asks how many records the offline log holds, streams them
// and commits them with host timestamps.
package racp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OpCode is the first byte of every control-point message.
type OpCode uint8

const (
	OpReportStoredRecords           OpCode = 1
	OpAbortOperation                OpCode = 3
	OpReportNumberOfRecords         OpCode = 4
	OpNumberOfStoredRecordsResponse OpCode = 5
	OpResponseCode                  OpCode = 6
	OpSetTimestamp                  OpCode = 7
	OpSetTimestampComplete          OpCode = 8
)

func (op OpCode) String() string {
	switch op {
	case OpReportStoredRecords:
		return "ReportStoredRecords"
	case OpAbortOperation:
		return "AbortOperation"
	case OpReportNumberOfRecords:
		return "ReportNumberOfRecords"
	case OpNumberOfStoredRecordsResponse:
		return "NumberOfStoredRecordsResponse"
	case OpResponseCode:
		return "ResponseCode"
	case OpSetTimestamp:
		return "SetTimestamp"
	case OpSetTimestampComplete:
		return "SetTimestampComplete"
	}
	return fmt.Sprintf("OpCode(%d)", uint8(op))
}

// Operator qualifies which records a request applies to.
type Operator uint8

const (
	OperatorNull       Operator = 0
	OperatorAllRecords Operator = 1
)

// ResponseCode is the status carried by an OpResponseCode message.
type ResponseCode uint8

const (
	RespSuccess               ResponseCode = 1
	RespOpCodeNotSupported    ResponseCode = 2
	RespNoRecordsFound        ResponseCode = 6
	RespAbortUnsuccessful     ResponseCode = 7
	RespProcedureNotCompleted ResponseCode = 8
)

func (c ResponseCode) String() string {
	switch c {
	case RespSuccess:
		return "success"
	case RespOpCodeNotSupported:
		return "op code not supported"
	case RespNoRecordsFound:
		return "no records found"
	case RespAbortUnsuccessful:
		return "abort unsuccessful"
	case RespProcedureNotCompleted:
		return "procedure not completed"
	}
	return fmt.Sprintf("response code %d", uint8(c))
}

var (
	// ErrBusy is returned when a retrieval is requested while one is active.
	ErrBusy = errors.New("retrieval already in progress")
	// ErrCancelled is the failure reason of an owner-initiated abort.
	ErrCancelled = errors.New("retrieval cancelled")
	// ErrUnexpectedMessage is the failure reason when the device sends a
	// message the current state cannot accept.
	ErrUnexpectedMessage = errors.New("unexpected control message")

	ErrOpCodeNotSupported    = errors.New("op code not supported")
	ErrAbortUnsuccessful     = errors.New("abort unsuccessful")
	ErrProcedureNotCompleted = errors.New("procedure not completed")
)

// ResponseError is a failure reported by the device through a response code.
type ResponseError struct {
	Request OpCode
	Code    ResponseCode
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("device answered %s with %s", e.Request, e.Code)
}

// Is lets errors.Is match the sentinel of the response code.
func (e *ResponseError) Is(target error) bool {
	switch e.Code {
	case RespOpCodeNotSupported:
		return target == ErrOpCodeNotSupported
	case RespAbortUnsuccessful:
		return target == ErrAbortUnsuccessful
	case RespProcedureNotCompleted:
		return target == ErrProcedureNotCompleted
	}
	return false
}

// Command is an outbound control-point request.
type Command struct {
	Op       OpCode
	Operator Operator
	Operand  []byte
}

// Bytes encodes the command as written to the control point.
func (c Command) Bytes() []byte {
	b := make([]byte, 0, 2+len(c.Operand))
	b = append(b, byte(c.Op), byte(c.Operator))
	return append(b, c.Operand...)
}

func (c Command) String() string {
	return fmt.Sprintf("%s(%d) %#x", c.Op, c.Operator, c.Operand)
}

// SetTimestampCommand sets the device clock to ticks.
func SetTimestampCommand(ticks uint32) Command {
	operand := make([]byte, 4)
	binary.LittleEndian.PutUint32(operand, ticks)
	return Command{Op: OpSetTimestamp, Operator: OperatorAllRecords, Operand: operand}
}

// ReportNumberOfRecordsCommand asks how many records are stored.
func ReportNumberOfRecordsCommand() Command {
	return Command{Op: OpReportNumberOfRecords, Operator: OperatorAllRecords}
}

// ReportStoredRecordsCommand asks the device to stream every stored record.
func ReportStoredRecordsCommand() Command {
	return Command{Op: OpReportStoredRecords, Operator: OperatorAllRecords}
}

// AbortCommand stops the procedure in progress.
func AbortCommand() Command {
	return Command{Op: OpAbortOperation, Operator: OperatorNull}
}

// Message is a parsed inbound control-point indication.
type Message struct {
	Op OpCode

	// NumberOfStoredRecordsResponse
	Count      uint16
	IntervalMs uint16 // zero when the device did not declare one

	// ResponseCode
	Code    ResponseCode
	Request OpCode // zero when not echoed
}

// ParseMessage decodes a control-point indication.
func ParseMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty indication", ErrUnexpectedMessage)
	}
	m := Message{Op: OpCode(data[0])}
	switch m.Op {
	case OpSetTimestampComplete:
	case OpNumberOfStoredRecordsResponse:
		// [5][operator][u16 count][u16 interval_ms]?
		if len(data) < 4 {
			return Message{}, fmt.Errorf("%w: record count response of %d bytes", ErrUnexpectedMessage, len(data))
		}
		m.Count = binary.LittleEndian.Uint16(data[2:4])
		if len(data) >= 6 {
			m.IntervalMs = binary.LittleEndian.Uint16(data[4:6])
		}
	case OpResponseCode:
		// [6][code][request op]?
		if len(data) < 2 {
			return Message{}, fmt.Errorf("%w: response code of %d bytes", ErrUnexpectedMessage, len(data))
		}
		m.Code = ResponseCode(data[1])
		if len(data) >= 3 {
			m.Request = OpCode(data[2])
		}
	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Op)
	}
	return m, nil
}
