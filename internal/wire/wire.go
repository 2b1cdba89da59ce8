// Package wire implements the fixed-layout request/response records
// exchanged between clients and the server, and between a teller and the
// arbiter. Field widths are fixed so a record's encoded size never
// depends on its contents, matching the C structs in
// original_source/bank_shared.h this protocol is modeled on.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Operation codes, matching OP_DEPOSIT / OP_WITHDRAW.
const (
	OpDeposit = 1
	OpWithdraw = 2
)

// Status codes carried on a Response.
const (
	StatusOK = 0
)

// Error codes, matching ERR_INSUFFICIENT_FUNDS / ERR_INVALID_OPERATION /
// ERR_INVALID_ACCOUNT.
const (
	ErrInsufficientFunds = -1
	ErrInvalidOperation  = -2
	ErrNoAccount         = -3
)

const (
	bankIDWidth  = 20
	messageWidth = 100
)

// Request is the client-to-server record, carried once per operation.
// BatchSize and OperationIndex are repeated on every request belonging
// to the same batch so the server's reframer can detect batch boundaries
// without an out-of-band framing byte.
type Request struct {
	ClientPID      int32
	Op             int32
	Amount         int32
	BankID         string // empty when IsNewClient
	IsNewClient    bool
	BatchSize      int32
	OperationIndex int32 // 1-based
}

// wireRequest is the fixed-layout encoding of Request.
type wireRequest struct {
	ClientPID      int32
	Op             int32
	Amount         int32
	BankID         [bankIDWidth]byte
	IsNewClient    int32
	BatchSize      int32
	OperationIndex int32
}

// RequestSize is the number of bytes a Request occupies on the wire.
const RequestSize = 4*6 + bankIDWidth

// Response is the server-to-client record.
type Response struct {
	Status       int32
	Balance      int32
	BankID       string
	Message      string
	ClientIndex  int32
}

type wireResponse struct {
	Status      int32
	Balance     int32
	BankID      [bankIDWidth]byte
	Message     [messageWidth]byte
	ClientIndex int32
}

// ResponseSize is the number of bytes a Response occupies on the wire.
const ResponseSize = 4*3 + bankIDWidth + messageWidth

func putFixedString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("wire: string %q exceeds field width %d", s, len(dst))
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
	return nil
}

func getFixedString(src []byte) string {
	n := bytes.IndexByte(src, 0)
	if n < 0 {
		n = len(src)
	}
	return string(src[:n])
}

// EncodeRequest serialises req into its fixed-layout wire form.
func EncodeRequest(req Request) ([]byte, error) {
	var w wireRequest
	w.ClientPID = req.ClientPID
	w.Op = req.Op
	w.Amount = req.Amount
	if err := putFixedString(w.BankID[:], req.BankID); err != nil {
		return nil, err
	}
	if req.IsNewClient {
		w.IsNewClient = 1
	}
	w.BatchSize = req.BatchSize
	w.OperationIndex = req.OperationIndex

	buf := new(bytes.Buffer)
	buf.Grow(RequestSize)
	if err := binary.Write(buf, binary.LittleEndian, w); err != nil {
		return nil, fmt.Errorf("wire: encode request: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a fixed-layout request record.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) != RequestSize {
		return Request{}, fmt.Errorf("wire: request record is %d bytes, want %d", len(b), RequestSize)
	}
	var w wireRequest
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &w); err != nil {
		return Request{}, fmt.Errorf("wire: decode request: %w", err)
	}
	return Request{
		ClientPID:      w.ClientPID,
		Op:             w.Op,
		Amount:         w.Amount,
		BankID:         getFixedString(w.BankID[:]),
		IsNewClient:    w.IsNewClient != 0,
		BatchSize:      w.BatchSize,
		OperationIndex: w.OperationIndex,
	}, nil
}

// EncodeResponse serialises resp into its fixed-layout wire form.
func EncodeResponse(resp Response) ([]byte, error) {
	var w wireResponse
	w.Status = resp.Status
	w.Balance = resp.Balance
	if err := putFixedString(w.BankID[:], resp.BankID); err != nil {
		return nil, err
	}
	if err := putFixedString(w.Message[:], resp.Message); err != nil {
		return nil, err
	}
	w.ClientIndex = resp.ClientIndex

	buf := new(bytes.Buffer)
	buf.Grow(ResponseSize)
	if err := binary.Write(buf, binary.LittleEndian, w); err != nil {
		return nil, fmt.Errorf("wire: encode response: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses a fixed-layout response record.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) != ResponseSize {
		return Response{}, fmt.Errorf("wire: response record is %d bytes, want %d", len(b), ResponseSize)
	}
	var w wireResponse
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &w); err != nil {
		return Response{}, fmt.Errorf("wire: decode response: %w", err)
	}
	return Response{
		Status:      w.Status,
		Balance:     w.Balance,
		BankID:      getFixedString(w.BankID[:]),
		Message:     getFixedString(w.Message[:]),
		ClientIndex: w.ClientIndex,
	}, nil
}

// ReadRequest reads exactly one Request record from r.
func ReadRequest(r io.Reader) (Request, error) {
	buf := make([]byte, RequestSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Request{}, err
	}
	return DecodeRequest(buf)
}

// ReadResponse reads exactly one Response record from r.
func ReadResponse(r io.Reader) (Response, error) {
	buf := make([]byte, ResponseSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Response{}, err
	}
	return DecodeResponse(buf)
}

// WriteRequest writes req to w as a single fixed-layout record.
func WriteRequest(w io.Writer, req Request) error {
	buf, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// WriteResponse writes resp to w as a single fixed-layout record.
func WriteResponse(w io.Writer, resp Response) error {
	buf, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// TellerRequest crosses the in-process teller->arbiter mailbox. It is a
// distinct type from Request (rather than a reuse) so the FIFO wire
// format and the internal dispatch format can evolve independently, per
// original_source/BankServer.h's own separate TellerRequest struct.
type TellerRequest struct {
	Op          int32
	BankID      string
	Amount      int32
	IsNewClient bool
	ClientPID   int32
	ClientIndex int32
}

// TellerResponse crosses the mailbox in the other direction.
type TellerResponse struct {
	Status  int32
	Balance int32
	BankID  string
	Message string
}
