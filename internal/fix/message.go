// Package fix implements the FIX 4.4 session engine: the tag=value
// codec, per-connection framing, the session state machine, the TCP/TLS
// acceptor, and the quote/order application router.
//
// Wire format: ASCII tag=value pairs delimited by SOH (0x01). Outbound
// messages serialise 8, 9, 35 first, then the remaining tags in
// ascending numeric order, terminating with 10. CheckSum is the sum of
// all bytes before the "10=" tag, modulo 256, zero-padded to three
// digits. BodyLength counts bytes after the 9=...<SOH> field up to but
// not including "10=".
package fix

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// SOH is the FIX field delimiter.
const SOH = '\x01'

// Header and session-level tags.
const (
	TagAvgPx                = 6
	TagBeginSeqNo           = 7
	TagBeginString          = 8
	TagBodyLength           = 9
	TagCheckSum             = 10
	TagClOrdID              = 11
	TagCumQty               = 14
	TagExecID               = 17
	TagMsgSeqNum            = 34
	TagMsgType              = 35
	TagNewSeqNo             = 36
	TagOrderID              = 37
	TagOrderQty             = 38
	TagOrdStatus            = 39
	TagOrdType              = 40
	TagPrice                = 44
	TagRefSeqNum            = 45
	TagSenderCompID         = 49
	TagSendingTime          = 52
	TagSide                 = 54
	TagSymbol               = 55
	TagTargetCompID         = 56
	TagText                 = 58
	TagTransactTime         = 60
	TagValidUntilTime       = 62
	TagEndSeqNo             = 16
	TagEncryptMethod        = 98
	TagOrdRejReason         = 103
	TagHeartBtInt           = 108
	TagTestReqID            = 112
	TagQuoteID              = 117
	TagQuoteReqID           = 131
	TagBidPx                = 132
	TagOfferPx              = 133
	TagResetSeqNumFlag      = 141
	TagNoRelatedSym         = 146
	TagExecType             = 150
	TagLeavesQty            = 151
	TagQuoteCancelType      = 298
	TagSecurityReqID        = 320
	TagSecurityResponseID   = 322
	TagSecurityRequestType  = 321
	TagRefMsgType           = 372
	TagSessionRejectReason  = 373
	TagBusinessRejectReason = 380
	TagRefID                = 379
	TagQuoteType            = 537
	TagPassword             = 554
)

// Message types the engine speaks.
const (
	MsgTypeHeartbeat       = "0"
	MsgTypeTestRequest     = "1"
	MsgTypeResendRequest   = "2"
	MsgTypeReject          = "3"
	MsgTypeSequenceReset   = "4"
	MsgTypeLogout          = "5"
	MsgTypeExecutionReport = "8"
	MsgTypeLogon           = "A"
	MsgTypeNewOrderSingle  = "D"
	MsgTypeQuoteRequest    = "R"
	MsgTypeQuote           = "S"
	MsgTypeQuoteCancel     = "Z"
	MsgTypeBusinessReject  = "j"
	MsgTypeSecurityListReq = "x"
	MsgTypeSecurityList    = "y"
)

// Supported BeginString values.
const (
	BeginFIX44  = "FIX.4.4"
	BeginFIXT11 = "FIXT.1.1"
)

// sendingTimeLayout is the FIX UTC timestamp format with milliseconds.
const sendingTimeLayout = "20060102-15:04:05.000"

// FormatTime renders t as a FIX SendingTime in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(sendingTimeLayout)
}

// ParseTime parses a FIX SendingTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(sendingTimeLayout, s)
}

// Checksum computes the FIX checksum of b: sum of bytes mod 256,
// zero-padded to three ASCII digits.
func Checksum(b []byte) string {
	var sum int
	for _, c := range b {
		sum += int(c)
	}
	return fmt.Sprintf("%03d", sum%256)
}

// Message is one parsed FIX message. Tags holds every tag including the
// header; repeated tags keep the first occurrence.
type Message struct {
	Raw         []byte
	BeginString string
	BodyLength  int
	MsgType     string
	SeqNum      int
	Sender      string
	Target      string
	SendingTime string
	DeclaredSum string
	Tags        map[int]string
}

// Get returns a tag value and whether it was present.
func (m *Message) Get(tag int) (string, bool) {
	v, ok := m.Tags[tag]
	return v, ok
}

// GetOr returns a tag value or def when absent.
func (m *Message) GetOr(tag int, def string) string {
	if v, ok := m.Tags[tag]; ok {
		return v
	}
	return def
}

// Parse decodes a single framed FIX message. It does not verify the
// checksum; call ValidateChecksum for that.
func Parse(raw []byte) (*Message, error) {
	msg := &Message{
		Raw:  raw,
		Tags: make(map[int]string),
	}

	pos := 0
	for pos < len(raw) {
		eq := bytes.IndexByte(raw[pos:], '=')
		if eq < 0 {
			break
		}
		eq += pos
		tag, err := strconv.Atoi(string(raw[pos:eq]))
		if err != nil {
			return nil, fmt.Errorf("bad tag %q", raw[pos:eq])
		}

		valStart := eq + 1
		soh := bytes.IndexByte(raw[valStart:], SOH)
		var val string
		if soh < 0 {
			val = string(raw[valStart:])
			pos = len(raw)
		} else {
			val = string(raw[valStart : valStart+soh])
			pos = valStart + soh + 1
		}

		if _, seen := msg.Tags[tag]; !seen {
			msg.Tags[tag] = val
		}

		switch tag {
		case TagBeginString:
			msg.BeginString = val
		case TagBodyLength:
			msg.BodyLength, _ = strconv.Atoi(val)
		case TagMsgType:
			msg.MsgType = val
		case TagMsgSeqNum:
			msg.SeqNum, _ = strconv.Atoi(val)
		case TagSenderCompID:
			msg.Sender = val
		case TagTargetCompID:
			msg.Target = val
		case TagSendingTime:
			msg.SendingTime = val
		case TagCheckSum:
			msg.DeclaredSum = val
		}
	}

	if msg.BeginString == "" {
		return nil, fmt.Errorf("missing BeginString")
	}
	return msg, nil
}

// ValidateChecksum recomputes the checksum over everything before the
// "10=" tag and compares with the declared value.
func ValidateChecksum(raw []byte) bool {
	idx := bytes.LastIndex(raw, []byte("\x0110="))
	if idx < 0 {
		if !bytes.HasPrefix(raw, []byte("10=")) {
			return false
		}
		idx = -1
	}
	body := raw[:idx+1]
	declStart := idx + 4
	if declStart+3 > len(raw) {
		return false
	}
	declared := string(raw[declStart : declStart+3])
	return Checksum(body) == declared
}

// Field is one tag=value pair for ordered building.
type Field struct {
	Tag   int
	Value string
}

// Build serialises a message: header tags 8, 9, 35, then body fields in
// the given order, then the checksum trailer. Callers normally use
// BuildMap, which sorts the body ascending; Build exists for repeating
// groups whose order is structural.
func Build(beginString, msgType string, body []Field) []byte {
	var payload bytes.Buffer
	payload.WriteString("35=" + msgType)
	payload.WriteByte(SOH)
	for _, f := range body {
		payload.WriteString(strconv.Itoa(f.Tag))
		payload.WriteByte('=')
		payload.WriteString(f.Value)
		payload.WriteByte(SOH)
	}

	var msg bytes.Buffer
	msg.WriteString("8=" + beginString)
	msg.WriteByte(SOH)
	msg.WriteString("9=" + strconv.Itoa(payload.Len()))
	msg.WriteByte(SOH)
	msg.Write(payload.Bytes())
	msg.WriteString("10=" + Checksum(msg.Bytes()))
	msg.WriteByte(SOH)
	return msg.Bytes()
}

// BuildMap serialises a message with body tags in ascending numeric
// order, per the outbound tag-ordering contract.
func BuildMap(beginString, msgType string, body map[int]string) []byte {
	fields := make([]Field, 0, len(body))
	for tag, val := range body {
		fields = append(fields, Field{Tag: tag, Value: val})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Tag < fields[j].Tag })
	return Build(beginString, msgType, fields)
}
