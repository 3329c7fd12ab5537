package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/smart-guard/pulseone/internal/pulse"
)

// wordOrder captures the byte/word swap policy from the device config.
// Raw register payloads are big-endian words; swaps rearrange them for
// devices that store multi-word values the other way around.
type wordOrder struct {
	byteSwap bool
	wordSwap bool
}

// words extracts n registers starting at a register offset, applying
// the byte swap per word and reversing word order when configured.
func (o wordOrder) words(raw []byte, offset, n uint16) ([]uint16, error) {
	if int(offset+n)*2 > len(raw) {
		return nil, fmt.Errorf("response too short: need %d registers at offset %d, have %d bytes", n, offset, len(raw))
	}
	out := make([]uint16, n)
	for i := uint16(0); i < n; i++ {
		b := raw[(offset+i)*2 : (offset+i)*2+2]
		w := binary.BigEndian.Uint16(b)
		if o.byteSwap {
			w = w<<8 | w>>8
		}
		out[i] = w
	}
	if o.wordSwap {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (o wordOrder) putWords(ws []uint16) []byte {
	if o.wordSwap {
		rev := make([]uint16, len(ws))
		for i := range ws {
			rev[len(ws)-1-i] = ws[i]
		}
		ws = rev
	}
	out := make([]byte, len(ws)*2)
	for i, w := range ws {
		if o.byteSwap {
			w = w<<8 | w>>8
		}
		binary.BigEndian.PutUint16(out[i*2:], w)
	}
	return out
}

// decodeValue interprets registers at a frame offset as the point's
// declared type. Bool over a register is the LSB.
func (o wordOrder) decodeValue(raw []byte, offset uint16, t pulse.DataType) (pulse.Value, error) {
	ws, err := o.words(raw, offset, t.RegisterCount())
	if err != nil {
		return pulse.Value{}, err
	}
	switch t {
	case pulse.TypeBool:
		return pulse.BoolValue(ws[0]&0x0001 != 0), nil
	case pulse.TypeInt16:
		return pulse.Int16Value(int16(ws[0])), nil
	case pulse.TypeUint16:
		return pulse.Uint16Value(ws[0]), nil
	case pulse.TypeInt32:
		return pulse.Int32Value(int32(join32(ws))), nil
	case pulse.TypeUint32:
		return pulse.Uint32Value(join32(ws)), nil
	case pulse.TypeFloat32:
		return pulse.Float32Value(math.Float32frombits(join32(ws))), nil
	case pulse.TypeInt64:
		return pulse.Int64Value(int64(join64(ws))), nil
	case pulse.TypeUint64:
		return pulse.Uint64Value(join64(ws)), nil
	case pulse.TypeFloat64:
		return pulse.Float64Value(math.Float64frombits(join64(ws))), nil
	}
	return pulse.Value{}, fmt.Errorf("type %s cannot be read from registers", t)
}

// encodeValue is the write-path inverse of decodeValue.
func (o wordOrder) encodeValue(v pulse.Value, t pulse.DataType) ([]uint16, error) {
	switch t {
	case pulse.TypeBool:
		b, err := v.Bool()
		if err != nil {
			return nil, err
		}
		if b {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	case pulse.TypeInt16:
		i, err := v.Int()
		if err != nil {
			return nil, err
		}
		return []uint16{uint16(int16(i))}, nil
	case pulse.TypeUint16:
		i, err := v.Int()
		if err != nil {
			return nil, err
		}
		return []uint16{uint16(i)}, nil
	case pulse.TypeInt32, pulse.TypeUint32:
		i, err := v.Int()
		if err != nil {
			return nil, err
		}
		return split32(uint32(i)), nil
	case pulse.TypeFloat32:
		f, err := v.Float()
		if err != nil {
			return nil, err
		}
		return split32(math.Float32bits(float32(f))), nil
	case pulse.TypeInt64, pulse.TypeUint64:
		i, err := v.Int()
		if err != nil {
			return nil, err
		}
		return split64(uint64(i)), nil
	case pulse.TypeFloat64:
		f, err := v.Float()
		if err != nil {
			return nil, err
		}
		return split64(math.Float64bits(f)), nil
	}
	return nil, fmt.Errorf("type %s cannot be written to registers", t)
}

// bitAt reads one coil/discrete bit from a packed FC1/FC2 response.
func bitAt(raw []byte, offset uint16) (bool, error) {
	if int(offset/8) >= len(raw) {
		return false, fmt.Errorf("response too short: need bit %d, have %d bytes", offset, len(raw))
	}
	return raw[offset/8]&(1<<(offset%8)) != 0, nil
}

func join32(ws []uint16) uint32 {
	return uint32(ws[0])<<16 | uint32(ws[1])
}

func join64(ws []uint16) uint64 {
	return uint64(ws[0])<<48 | uint64(ws[1])<<32 | uint64(ws[2])<<16 | uint64(ws[3])
}

func split32(v uint32) []uint16 {
	return []uint16{uint16(v >> 16), uint16(v)}
}

func split64(v uint64) []uint16 {
	return []uint16{uint16(v >> 48), uint16(v >> 32), uint16(v >> 16), uint16(v)}
}
