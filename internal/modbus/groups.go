package modbus

import (
	"sort"

	"github.com/smart-guard/pulseone/internal/config"
)

// Register table a point lives in, FC3 holding by default. Points pick
// another table via protocolParams["register_type"].
type regTable uint8

const (
	tableHolding regTable = iota // FC3 / FC6,16
	tableInput                   // FC4, read only
	tableCoil                    // FC1 / FC5
	tableDiscrete                // FC2, read only
)

const (
	maxRegistersHard = uint16(125)
	maxCoilsHard     = uint16(2000)
)

func tableFor(p *config.PointDescriptor) regTable {
	switch p.Param("register_type", "holding") {
	case "input":
		return tableInput
	case "coil":
		return tableCoil
	case "discrete", "discrete_input":
		return tableDiscrete
	default:
		return tableHolding
	}
}

func (t regTable) writable() bool { return t == tableHolding || t == tableCoil }

func (t regTable) bitTable() bool { return t == tableCoil || t == tableDiscrete }

// span is the number of registers (or bits) a point occupies in its
// table.
func span(p *config.PointDescriptor, t regTable) uint16 {
	if t.bitTable() {
		return 1
	}
	return p.Type().RegisterCount()
}

// readFrame is one wire request covering a run of points. Points keep
// their descriptor so decode can find each one's offset.
type readFrame struct {
	table  regTable
	start  uint16
	count  uint16
	points []*config.PointDescriptor
}

// buildFrames groups points by (table, contiguity) into frames of at
// most maxRegs registers (bit tables are capped at 2000 bits). Gaps
// wider than gapThreshold split into separate frames; narrower gaps
// are read through and discarded. Frames come back ordered by table
// then start address.
func buildFrames(points []*config.PointDescriptor, maxRegs, gapThreshold uint16) []readFrame {
	if maxRegs == 0 || maxRegs > maxRegistersHard {
		maxRegs = maxRegistersHard
	}

	byTable := make(map[regTable][]*config.PointDescriptor)
	for _, p := range points {
		t := tableFor(p)
		byTable[t] = append(byTable[t], p)
	}

	var frames []readFrame
	for _, t := range []regTable{tableCoil, tableDiscrete, tableHolding, tableInput} {
		pts := byTable[t]
		if len(pts) == 0 {
			continue
		}
		sort.Slice(pts, func(i, j int) bool {
			return pts[i].AddressNumeric < pts[j].AddressNumeric
		})

		cap16 := maxRegs
		if t.bitTable() {
			cap16 = maxCoilsHard
		}

		cur := readFrame{table: t, start: uint16(pts[0].AddressNumeric)}
		end := cur.start // one past the last occupied address
		for _, p := range pts {
			addr := uint16(p.AddressNumeric)
			need := span(p, t)

			gap := uint16(0)
			if addr > end {
				gap = addr - end
			}
			newCount := addr + need - cur.start

			if len(cur.points) > 0 && (gap > gapThreshold || newCount > cap16) {
				cur.count = end - cur.start
				frames = append(frames, cur)
				cur = readFrame{table: t, start: addr}
			}
			cur.points = append(cur.points, p)
			if addr+need > end || len(cur.points) == 1 {
				end = addr + need
			}
		}
		cur.count = end - cur.start
		frames = append(frames, cur)
	}
	return frames
}

// offsetIn is the register (or bit) offset of a point inside a frame.
func (f *readFrame) offsetIn(p *config.PointDescriptor) uint16 {
	return uint16(p.AddressNumeric) - f.start
}
