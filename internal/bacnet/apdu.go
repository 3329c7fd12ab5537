package bacnet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// APDU types (upper nibble of the first octet).
const (
	pduConfirmedRequest   = 0x00
	pduUnconfirmedRequest = 0x10
	pduSimpleAck          = 0x20
	pduComplexAck         = 0x30
	pduSegmentAck         = 0x40
	pduError              = 0x50
	pduReject             = 0x60
	pduAbort              = 0x70
)

const (
	segmentedFlag     = 0x08
	moreFollowsFlag   = 0x04
	segAcceptedFlag   = 0x02
)

// Service choices.
const (
	svcSubscribeCOV         = 5
	svcReadProperty         = 12
	svcReadPropertyMultiple = 14
	svcWriteProperty        = 15

	svcUnconfirmedIAm             = 0
	svcUnconfirmedCOVNotification = 2
	svcUnconfirmedWhoIs           = 8
)

// Object types used by the driver; points select one by name.
const (
	ObjectAnalogInput  = 0
	ObjectAnalogOutput = 1
	ObjectAnalogValue  = 2
	ObjectBinaryInput  = 3
	ObjectBinaryOutput = 4
	ObjectBinaryValue  = 5
	ObjectDevice       = 8
	ObjectMultiStateValue = 19
)

// PropertyPresentValue is the default property a point reads.
const PropertyPresentValue = 85

const maxInstance = 0x3FFFFF // 4194303, the Who-Is broadcast wildcard

// ObjectID packs a BACnet object identifier.
type ObjectID struct {
	Type     uint16
	Instance uint32
}

func (o ObjectID) encoded() uint32 {
	return uint32(o.Type)<<22 | (o.Instance & maxInstance)
}

func decodeObjectID(v uint32) ObjectID {
	return ObjectID{Type: uint16(v >> 22), Instance: v & maxInstance}
}

/* =========================
   Tag encoding
   ========================= */

func encodeTag(buf []byte, tagNum uint8, context bool, length int) []byte {
	octet := tagNum << 4
	if context {
		octet |= 0x08
	}
	if length <= 4 {
		return append(buf, octet|byte(length))
	}
	buf = append(buf, octet|0x05)
	return append(buf, byte(length)) // payloads here never exceed 253
}

func encodeOpening(buf []byte, tagNum uint8) []byte {
	return append(buf, tagNum<<4|0x08|0x06)
}

func encodeClosing(buf []byte, tagNum uint8) []byte {
	return append(buf, tagNum<<4|0x08|0x07)
}

func unsignedBytes(v uint64) []byte {
	switch {
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return binary.BigEndian.AppendUint16(nil, uint16(v))
	case v <= 0xFFFFFF:
		b := binary.BigEndian.AppendUint32(nil, uint32(v))
		return b[1:]
	case v <= 0xFFFFFFFF:
		return binary.BigEndian.AppendUint32(nil, uint32(v))
	default:
		return binary.BigEndian.AppendUint64(nil, v)
	}
}

func encodeContextUnsigned(buf []byte, tagNum uint8, v uint64) []byte {
	b := unsignedBytes(v)
	buf = encodeTag(buf, tagNum, true, len(b))
	return append(buf, b...)
}

func encodeContextObjectID(buf []byte, tagNum uint8, o ObjectID) []byte {
	buf = encodeTag(buf, tagNum, true, 4)
	return binary.BigEndian.AppendUint32(buf, o.encoded())
}

func encodeContextBool(buf []byte, tagNum uint8, v bool) []byte {
	buf = encodeTag(buf, tagNum, true, 1)
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

/* =========================
   Application values
   ========================= */

// Application tag numbers.
const (
	appNull        = 0
	appBool        = 1
	appUnsigned    = 2
	appSigned      = 3
	appReal        = 4
	appDouble      = 5
	appCharString  = 7
	appEnumerated  = 9
	appObjectID    = 12
)

// AppValue is one decoded application-tagged value.
type AppValue struct {
	Tag    uint8
	Bool   bool
	Uint   uint64
	Int    int64
	Real   float64
	Str    string
	Object ObjectID
	Null   bool
}

func encodeAppValue(buf []byte, v AppValue) []byte {
	switch v.Tag {
	case appNull:
		return encodeTag(buf, appNull, false, 0)
	case appBool:
		// boolean packs the value into the length field
		octet := byte(appBool << 4)
		if v.Bool {
			octet |= 1
		}
		return append(buf, octet)
	case appUnsigned, appEnumerated:
		b := unsignedBytes(v.Uint)
		buf = encodeTag(buf, v.Tag, false, len(b))
		return append(buf, b...)
	case appSigned:
		b := signedBytes(v.Int)
		buf = encodeTag(buf, appSigned, false, len(b))
		return append(buf, b...)
	case appReal:
		buf = encodeTag(buf, appReal, false, 4)
		return binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v.Real)))
	case appDouble:
		buf = encodeTag(buf, appDouble, false, 8)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(v.Real))
	case appCharString:
		buf = encodeTag(buf, appCharString, false, len(v.Str)+1)
		buf = append(buf, 0) // UTF-8
		return append(buf, v.Str...)
	case appObjectID:
		buf = encodeTag(buf, appObjectID, false, 4)
		return binary.BigEndian.AppendUint32(buf, v.Object.encoded())
	}
	return buf
}

func signedBytes(v int64) []byte {
	switch {
	case v >= -128 && v <= 127:
		return []byte{byte(int8(v))}
	case v >= -32768 && v <= 32767:
		return binary.BigEndian.AppendUint16(nil, uint16(int16(v)))
	case v >= -(1<<31) && v < 1<<31:
		return binary.BigEndian.AppendUint32(nil, uint32(int32(v)))
	default:
		return binary.BigEndian.AppendUint64(nil, uint64(v))
	}
}

/* =========================
   Tag decoding
   ========================= */

type tagHeader struct {
	number  uint8
	context bool
	length  int
	opening bool
	closing bool
	// boolean application tags carry the value in the length nibble
	boolValue bool
}

func decodeTagHeader(data []byte, pos int) (tagHeader, int, error) {
	if pos >= len(data) {
		return tagHeader{}, pos, fmt.Errorf("truncated tag at %d", pos)
	}
	octet := data[pos]
	pos++
	h := tagHeader{
		number:  octet >> 4,
		context: octet&0x08 != 0,
	}
	if h.number == 0x0F {
		if pos >= len(data) {
			return h, pos, fmt.Errorf("truncated extended tag number")
		}
		h.number = data[pos]
		pos++
	}
	lvt := octet & 0x07
	switch {
	case h.context && lvt == 6:
		h.opening = true
	case h.context && lvt == 7:
		h.closing = true
	case !h.context && h.number == appBool:
		h.length = 0
		h.boolValue = lvt != 0
	case lvt == 5:
		if pos >= len(data) {
			return h, pos, fmt.Errorf("truncated extended length")
		}
		ext := int(data[pos])
		pos++
		if ext == 254 {
			if pos+2 > len(data) {
				return h, pos, fmt.Errorf("truncated 16-bit length")
			}
			ext = int(binary.BigEndian.Uint16(data[pos : pos+2]))
			pos += 2
		}
		h.length = ext
	default:
		h.length = int(lvt)
	}
	if pos+h.length > len(data) {
		return h, pos, fmt.Errorf("tag payload overruns buffer")
	}
	return h, pos, nil
}

func decodeUnsignedPayload(data []byte) uint64 {
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v
}

func decodeSignedPayload(data []byte) int64 {
	if len(data) == 0 {
		return 0
	}
	v := int64(int8(data[0]))
	for _, b := range data[1:] {
		v = v<<8 | int64(b)
	}
	return v
}

// decodeAppValue reads one application-tagged value at pos.
func decodeAppValue(data []byte, pos int) (AppValue, int, error) {
	h, next, err := decodeTagHeader(data, pos)
	if err != nil {
		return AppValue{}, pos, err
	}
	if h.context || h.opening || h.closing {
		return AppValue{}, pos, fmt.Errorf("expected application tag at %d", pos)
	}
	payload := data[next : next+h.length]
	v := AppValue{Tag: h.number}
	switch h.number {
	case appNull:
		v.Null = true
	case appBool:
		v.Bool = h.boolValue
	case appUnsigned, appEnumerated:
		v.Uint = decodeUnsignedPayload(payload)
	case appSigned:
		v.Int = decodeSignedPayload(payload)
	case appReal:
		if len(payload) != 4 {
			return v, pos, fmt.Errorf("real payload length %d", len(payload))
		}
		v.Real = float64(math.Float32frombits(binary.BigEndian.Uint32(payload)))
	case appDouble:
		if len(payload) != 8 {
			return v, pos, fmt.Errorf("double payload length %d", len(payload))
		}
		v.Real = math.Float64frombits(binary.BigEndian.Uint64(payload))
	case appCharString:
		if len(payload) < 1 {
			return v, pos, fmt.Errorf("empty character string payload")
		}
		v.Str = string(payload[1:]) // payload[0] is the charset octet
	case appObjectID:
		if len(payload) != 4 {
			return v, pos, fmt.Errorf("object id payload length %d", len(payload))
		}
		v.Object = decodeObjectID(binary.BigEndian.Uint32(payload))
	default:
		return v, pos, fmt.Errorf("unsupported application tag %d", h.number)
	}
	return v, next + h.length, nil
}

/* =========================
   Services
   ========================= */

// EncodeWhoIs builds the Who-Is APDU, optionally bounded to an
// instance range.
func EncodeWhoIs(low, high int64) []byte {
	buf := []byte{pduUnconfirmedRequest, svcUnconfirmedWhoIs}
	if low >= 0 && high >= low {
		buf = encodeContextUnsigned(buf, 0, uint64(low))
		buf = encodeContextUnsigned(buf, 1, uint64(high))
	}
	return buf
}

// IAm is a decoded I-Am announcement.
type IAm struct {
	Device       ObjectID
	MaxAPDU      uint32
	Segmentation uint8
	VendorID     uint16
}

func EncodeIAm(a IAm) []byte {
	buf := []byte{pduUnconfirmedRequest, svcUnconfirmedIAm}
	buf = encodeAppValue(buf, AppValue{Tag: appObjectID, Object: a.Device})
	buf = encodeAppValue(buf, AppValue{Tag: appUnsigned, Uint: uint64(a.MaxAPDU)})
	buf = encodeAppValue(buf, AppValue{Tag: appEnumerated, Uint: uint64(a.Segmentation)})
	buf = encodeAppValue(buf, AppValue{Tag: appUnsigned, Uint: uint64(a.VendorID)})
	return buf
}

func decodeIAm(body []byte) (IAm, error) {
	var out IAm
	pos := 0
	v, pos, err := decodeAppValue(body, pos)
	if err != nil || v.Tag != appObjectID {
		return out, fmt.Errorf("i-am: bad device id")
	}
	out.Device = v.Object
	if v, pos, err = decodeAppValue(body, pos); err != nil || v.Tag != appUnsigned {
		return out, fmt.Errorf("i-am: bad max apdu")
	}
	out.MaxAPDU = uint32(v.Uint)
	if v, pos, err = decodeAppValue(body, pos); err != nil || v.Tag != appEnumerated {
		return out, fmt.Errorf("i-am: bad segmentation")
	}
	out.Segmentation = uint8(v.Uint)
	if v, _, err = decodeAppValue(body, pos); err != nil || v.Tag != appUnsigned {
		return out, fmt.Errorf("i-am: bad vendor id")
	}
	out.VendorID = uint16(v.Uint)
	return out, nil
}

// maxAPDUEncoding maps an APDU byte budget onto the wire enumeration.
func maxAPDUEncoding(max int) byte {
	switch {
	case max >= 1476:
		return 5
	case max >= 1024:
		return 4
	case max >= 480:
		return 3
	case max >= 206:
		return 2
	case max >= 128:
		return 1
	default:
		return 0
	}
}

// EncodeReadProperty builds a confirmed ReadProperty request.
func EncodeReadProperty(invokeID byte, maxAPDU int, obj ObjectID, property uint32) []byte {
	buf := []byte{pduConfirmedRequest, maxAPDUEncoding(maxAPDU), invokeID, svcReadProperty}
	buf = encodeContextObjectID(buf, 0, obj)
	buf = encodeContextUnsigned(buf, 1, uint64(property))
	return buf
}

// ReadSpec is one (object, property) pair of an RPM request.
type ReadSpec struct {
	Object   ObjectID
	Property uint32
}

// EncodeReadPropertyMultiple builds the RPM request for one target
// device's batch.
func EncodeReadPropertyMultiple(invokeID byte, maxAPDU int, specs []ReadSpec) []byte {
	buf := []byte{pduConfirmedRequest, maxAPDUEncoding(maxAPDU), invokeID, svcReadPropertyMultiple}
	for _, s := range specs {
		buf = encodeContextObjectID(buf, 0, s.Object)
		buf = encodeOpening(buf, 1)
		buf = encodeContextUnsigned(buf, 0, uint64(s.Property))
		buf = encodeClosing(buf, 1)
	}
	return buf
}

// EncodeWriteProperty builds the WriteProperty request. A Null value
// at a priority releases that slot.
func EncodeWriteProperty(invokeID byte, maxAPDU int, obj ObjectID, property uint32, value AppValue, priority uint8) []byte {
	buf := []byte{pduConfirmedRequest, maxAPDUEncoding(maxAPDU), invokeID, svcWriteProperty}
	buf = encodeContextObjectID(buf, 0, obj)
	buf = encodeContextUnsigned(buf, 1, uint64(property))
	buf = encodeOpening(buf, 3)
	buf = encodeAppValue(buf, value)
	buf = encodeClosing(buf, 3)
	if priority >= 1 && priority <= 16 {
		buf = encodeContextUnsigned(buf, 4, uint64(priority))
	}
	return buf
}

// EncodeSubscribeCOV builds the COV subscription request. It always
// asks for unconfirmed notifications and always encodes lifetimeS.
func EncodeSubscribeCOV(invokeID byte, maxAPDU int, processID uint32, obj ObjectID, lifetimeS uint32) []byte {
	buf := []byte{pduConfirmedRequest, maxAPDUEncoding(maxAPDU), invokeID, svcSubscribeCOV}
	buf = encodeContextUnsigned(buf, 0, uint64(processID))
	buf = encodeContextObjectID(buf, 1, obj)
	buf = encodeContextBool(buf, 2, false) // unconfirmed notifications
	buf = encodeContextUnsigned(buf, 3, uint64(lifetimeS))
	return buf
}

// propertyValue is one (property, value) pair out of an ack or a COV
// notification.
type propertyValue struct {
	property uint32
	value    AppValue
}

// decodeReadPropertyAck extracts the value out of a ReadProperty
// complex ack body (past type/invoke/service octets).
func decodeReadPropertyAck(body []byte) (AppValue, error) {
	pos := 0
	// context 0: object id
	h, next, err := decodeTagHeader(body, pos)
	if err != nil || !h.context || h.number != 0 {
		return AppValue{}, fmt.Errorf("rp-ack: bad object id tag")
	}
	pos = next + h.length
	// context 1: property id
	h, next, err = decodeTagHeader(body, pos)
	if err != nil || !h.context || h.number != 1 {
		return AppValue{}, fmt.Errorf("rp-ack: bad property tag")
	}
	pos = next + h.length
	// optional context 2: array index
	h, next, err = decodeTagHeader(body, pos)
	if err != nil {
		return AppValue{}, err
	}
	if h.context && h.number == 2 && !h.opening {
		pos = next + h.length
		h, next, err = decodeTagHeader(body, pos)
		if err != nil {
			return AppValue{}, err
		}
	}
	if !h.opening || h.number != 3 {
		return AppValue{}, fmt.Errorf("rp-ack: expected opening tag 3")
	}
	pos = next
	v, _, err := decodeAppValue(body, pos)
	return v, err
}

// rpmResult is one object's outcome in an RPM ack: either a value or a
// BACnet error class/code pair per property.
type rpmResult struct {
	object ObjectID
	values []propertyValue
	errors map[uint32][2]uint64 // property → (class, code)
}

func decodeRPMAck(body []byte) ([]rpmResult, error) {
	var out []rpmResult
	pos := 0
	for pos < len(body) {
		h, next, err := decodeTagHeader(body, pos)
		if err != nil {
			return nil, err
		}
		if !h.context || h.number != 0 || h.length != 4 {
			return nil, fmt.Errorf("rpm-ack: expected object id at %d", pos)
		}
		res := rpmResult{
			object: decodeObjectID(binary.BigEndian.Uint32(body[next : next+4])),
			errors: make(map[uint32][2]uint64),
		}
		pos = next + 4

		h, next, err = decodeTagHeader(body, pos)
		if err != nil || !h.opening || h.number != 1 {
			return nil, fmt.Errorf("rpm-ack: expected list of results")
		}
		pos = next

		for {
			h, next, err = decodeTagHeader(body, pos)
			if err != nil {
				return nil, err
			}
			if h.closing && h.number == 1 {
				pos = next
				break
			}
			if !h.context || h.number != 2 {
				return nil, fmt.Errorf("rpm-ack: expected property id at %d", pos)
			}
			property := uint32(decodeUnsignedPayload(body[next : next+h.length]))
			pos = next + h.length

			h, next, err = decodeTagHeader(body, pos)
			if err != nil {
				return nil, err
			}
			switch {
			case h.opening && h.number == 4: // value
				pos = next
				v, vnext, verr := decodeAppValue(body, pos)
				if verr != nil {
					return nil, verr
				}
				pos = vnext
				res.values = append(res.values, propertyValue{property: property, value: v})
				h, next, err = decodeTagHeader(body, pos)
				if err != nil || !h.closing || h.number != 4 {
					return nil, fmt.Errorf("rpm-ack: expected closing value tag")
				}
				pos = next
			case h.opening && h.number == 5: // property access error
				pos = next
				cls, cnext, cerr := decodeAppValue(body, pos)
				if cerr != nil {
					return nil, cerr
				}
				code, knext, kerr := decodeAppValue(body, cnext)
				if kerr != nil {
					return nil, kerr
				}
				pos = knext
				res.errors[property] = [2]uint64{cls.Uint, code.Uint}
				h, next, err = decodeTagHeader(body, pos)
				if err != nil || !h.closing || h.number != 5 {
					return nil, fmt.Errorf("rpm-ack: expected closing error tag")
				}
				pos = next
			default:
				return nil, fmt.Errorf("rpm-ack: unexpected tag at %d", pos)
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// covNotification is a decoded (unconfirmed) COV notification.
type covNotification struct {
	processID uint32
	device    ObjectID
	object    ObjectID
	values    []propertyValue
}

func decodeCOVNotification(body []byte) (covNotification, error) {
	var out covNotification
	pos := 0

	h, next, err := decodeTagHeader(body, pos)
	if err != nil || !h.context || h.number != 0 {
		return out, fmt.Errorf("cov: bad process id")
	}
	out.processID = uint32(decodeUnsignedPayload(body[next : next+h.length]))
	pos = next + h.length

	h, next, err = decodeTagHeader(body, pos)
	if err != nil || !h.context || h.number != 1 || h.length != 4 {
		return out, fmt.Errorf("cov: bad initiating device")
	}
	out.device = decodeObjectID(binary.BigEndian.Uint32(body[next : next+4]))
	pos = next + 4

	h, next, err = decodeTagHeader(body, pos)
	if err != nil || !h.context || h.number != 2 || h.length != 4 {
		return out, fmt.Errorf("cov: bad monitored object")
	}
	out.object = decodeObjectID(binary.BigEndian.Uint32(body[next : next+4]))
	pos = next + 4

	// context 3: time remaining, skipped
	h, next, err = decodeTagHeader(body, pos)
	if err != nil || !h.context || h.number != 3 {
		return out, fmt.Errorf("cov: bad time remaining")
	}
	pos = next + h.length

	h, next, err = decodeTagHeader(body, pos)
	if err != nil || !h.opening || h.number != 4 {
		return out, fmt.Errorf("cov: expected list of values")
	}
	pos = next

	for {
		h, next, err = decodeTagHeader(body, pos)
		if err != nil {
			return out, err
		}
		if h.closing && h.number == 4 {
			break
		}
		if !h.context || h.number != 0 {
			return out, fmt.Errorf("cov: expected property id at %d", pos)
		}
		property := uint32(decodeUnsignedPayload(body[next : next+h.length]))
		pos = next + h.length

		h, next, err = decodeTagHeader(body, pos)
		if err != nil || !h.opening || h.number != 2 {
			return out, fmt.Errorf("cov: expected value at %d", pos)
		}
		pos = next
		v, vnext, verr := decodeAppValue(body, pos)
		if verr != nil {
			return out, verr
		}
		pos = vnext
		out.values = append(out.values, propertyValue{property: property, value: v})
		h, next, err = decodeTagHeader(body, pos)
		if err != nil || !h.closing || h.number != 2 {
			return out, fmt.Errorf("cov: expected closing value tag")
		}
		pos = next
	}
	return out, nil
}

// decodeErrorPDU decodes the class/code pair of an Error PDU body.
func decodeErrorPDU(body []byte) (class, code uint64, err error) {
	cls, pos, err := decodeAppValue(body, 0)
	if err != nil {
		return 0, 0, err
	}
	cd, _, err := decodeAppValue(body, pos)
	if err != nil {
		return 0, 0, err
	}
	return cls.Uint, cd.Uint, nil
}
