package iso8583

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/alovak/bankcards/ledger/models"
	"github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/encoding"
	"github.com/moov-io/iso8583/field"
	"github.com/moov-io/iso8583/prefix"
	"github.com/shopspring/decimal"
)

const (
	MTITransferRequest  = "0200"
	MTITransferResponse = "0210"

	// ProcessingTransfer is the transaction type prefix of DE3 for
	// cardholder accounts transfer.
	ProcessingTransfer = "40"
)

// Response codes carried in DE39.
const (
	CodeApproved          = "00"
	CodeInvalidTxn        = "12"
	CodeNoSuchCard        = "14"
	CodeInsufficientFunds = "51"
	CodeExpiredCard       = "54"
	CodeNotPermitted      = "57"
	CodeRestrictedCard    = "62"
	CodeSystemBusy        = "91"
	CodeSystemError       = "96"
)

// Spec is the message spec shared by the server and the client: Spec87
// plus DE103, which carries the target card of a transfer.
var Spec = newMessageSpec()

func newMessageSpec() *iso8583.MessageSpec {
	fields := make(map[int]field.Field, len(iso8583.Spec87.Fields)+1)
	for id, f := range iso8583.Spec87.Fields {
		fields[id] = f
	}
	// n..28 in the standard; kept as a string so leading zeros survive.
	fields[103] = field.NewString(&field.Spec{
		Length:      28,
		Description: "Account Identification 2",
		Enc:         encoding.ASCII,
		Pref:        prefix.ASCII.LL,
	})
	return &iso8583.MessageSpec{
		Name:   "ISO 8583 v1987 ASCII with account identification 2",
		Fields: fields,
	}
}

// fields echoed from request to response.
var echoFields = []int{2, 3, 4, 7, 11, 37, 41}

// ResponseCode maps a ledger error onto DE39.
func ResponseCode(err error) string {
	switch {
	case err == nil:
		return CodeApproved
	case errors.Is(err, models.ErrInsufficientBalance):
		return CodeInsufficientFunds
	case errors.Is(err, models.ErrCardNotFound):
		return CodeNoSuchCard
	case errors.Is(err, models.ErrAccessDenied):
		return CodeNotPermitted
	case errors.Is(err, models.ErrCardBlocked):
		return CodeRestrictedCard
	case errors.Is(err, models.ErrCardExpired):
		return CodeExpiredCard
	case errors.Is(err, models.ErrInvalidOperation):
		return CodeInvalidTxn
	case errors.Is(err, models.ErrTransient):
		return CodeSystemBusy
	default:
		return CodeSystemError
	}
}

// NewTransferRequest builds a 0200 transfer between two cards of userID.
func NewTransferRequest(from, to string, amount decimal.Decimal, stan, userID string) (*iso8583.Message, error) {
	msg := iso8583.NewMessage(Spec)
	msg.MTI(MTITransferRequest)

	minor := amount.Shift(2)
	if !minor.IsInteger() || minor.IsNegative() {
		return nil, fmt.Errorf("amount %s has more than 2 decimal places", amount)
	}

	values := map[int]string{
		2:   from,
		3:   ProcessingTransfer + "0000",
		4:   fmt.Sprintf("%012d", minor.IntPart()),
		7:   time.Now().UTC().Format("0102150405"),
		11:  stan,
		37:  strings.Repeat("0", max(0, 12-len(stan))) + stan,
		41:  "LEDGER01",
		48:  userID,
		103: to,
	}
	for id, v := range values {
		if err := msg.Field(id, v); err != nil {
			return nil, fmt.Errorf("setting field %d: %w", id, err)
		}
	}
	return msg, nil
}

// transferFromMessage extracts the transfer request and the acting user id.
func transferFromMessage(msg *iso8583.Message) (models.TransferRequest, string, error) {
	var req models.TransferRequest

	mti, err := msg.GetMTI()
	if err != nil {
		return req, "", fmt.Errorf("reading MTI: %w", err)
	}
	if mti != MTITransferRequest {
		return req, "", fmt.Errorf("unsupported MTI %s: %w", mti, models.ErrInvalidOperation)
	}

	get := func(id int) string {
		v, _ := msg.GetString(id)
		return strings.TrimSpace(v)
	}

	if code := get(3); !strings.HasPrefix(code, ProcessingTransfer) {
		return req, "", fmt.Errorf("unsupported processing code %q: %w", code, models.ErrInvalidOperation)
	}

	minor, err := strconv.ParseInt(get(4), 10, 64)
	if err != nil {
		return req, "", fmt.Errorf("amount: %v: %w", err, models.ErrInvalidOperation)
	}

	userID := get(48)
	if userID == "" {
		return req, "", fmt.Errorf("missing acting user in DE48: %w", models.ErrAccessDenied)
	}

	req = models.TransferRequest{
		FromCardNumber: get(2),
		ToCardNumber:   get(103),
		Amount:         decimal.New(minor, -2),
	}
	return req, userID, nil
}

// newResponse builds the 0210 for req, echoing the routing fields.
func newResponse(req *iso8583.Message, code, authID string) (*iso8583.Message, error) {
	resp := iso8583.NewMessage(Spec)
	resp.MTI(MTITransferResponse)
	for _, id := range echoFields {
		v, err := req.GetString(id)
		if err != nil || v == "" {
			continue
		}
		if err := resp.Field(id, v); err != nil {
			return nil, fmt.Errorf("echoing field %d: %w", id, err)
		}
	}
	if err := resp.Field(39, code); err != nil {
		return nil, fmt.Errorf("setting response code: %w", err)
	}
	if authID != "" {
		if err := resp.Field(38, authID); err != nil {
			return nil, fmt.Errorf("setting authorization id: %w", err)
		}
	}
	return resp, nil
}

// ReadMessageLength reads the 2-byte big-endian length header.
func ReadMessageLength(r io.Reader) (int, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(header[:])), nil
}

// WriteMessageLength writes the 2-byte big-endian length header.
func WriteMessageLength(w io.Writer, length int) (int, error) {
	if length > 0xFFFF {
		return 0, fmt.Errorf("message length %d exceeds header capacity", length)
	}
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(length))
	return w.Write(header[:])
}
