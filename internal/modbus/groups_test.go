package modbus

import (
	"fmt"
	"testing"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holdingPoint(id string, addr uint32, dataType string) *config.PointDescriptor {
	return &config.PointDescriptor{
		ID: id, AddressNumeric: addr, DataType: dataType,
		Access: config.AccessRead, Enabled: true, ScalingFactor: 1,
	}
}

func coilPoint(id string, addr uint32) *config.PointDescriptor {
	p := holdingPoint(id, addr, "bool")
	p.ProtocolParams = map[string]string{"register_type": "coil"}
	return p
}

func TestGroupingByContiguity(t *testing.T) {
	points := []*config.PointDescriptor{
		holdingPoint("a", 100, "int16"),
		holdingPoint("b", 101, "int16"),
		holdingPoint("c", 200, "int16"),
	}
	frames := buildFrames(points, 125, 4)
	require.Len(t, frames, 2)
	assert.Equal(t, uint16(100), frames[0].start)
	assert.Equal(t, uint16(2), frames[0].count)
	assert.Len(t, frames[0].points, 2)
	assert.Equal(t, uint16(200), frames[1].start)
	assert.Equal(t, uint16(1), frames[1].count)
}

func TestGroupingReadsThroughSmallGaps(t *testing.T) {
	points := []*config.PointDescriptor{
		holdingPoint("a", 10, "int16"),
		holdingPoint("b", 14, "int16"), // gap of 3 ≤ threshold 4
	}
	frames := buildFrames(points, 125, 4)
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(10), frames[0].start)
	assert.Equal(t, uint16(5), frames[0].count)
}

func TestGroupingSplitsWideGaps(t *testing.T) {
	points := []*config.PointDescriptor{
		holdingPoint("a", 10, "int16"),
		holdingPoint("b", 20, "int16"), // gap of 9 > threshold 4
	}
	frames := buildFrames(points, 125, 4)
	require.Len(t, frames, 2)
}

func TestGroupingRespectsRegisterCap(t *testing.T) {
	// 125 contiguous registers fit one frame
	var points []*config.PointDescriptor
	for i := 0; i < 125; i++ {
		points = append(points, holdingPoint(fmt.Sprintf("p%d", i), uint32(i), "uint16"))
	}
	frames := buildFrames(points, 125, 4)
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(125), frames[0].count)

	// 126 split into two
	points = append(points, holdingPoint("p125", 125, "uint16"))
	frames = buildFrames(points, 125, 4)
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.LessOrEqual(t, f.count, uint16(125))
	}
}

func TestGroupingMultiWordTypes(t *testing.T) {
	points := []*config.PointDescriptor{
		holdingPoint("f", 0, "float32"),  // 2 registers
		holdingPoint("d", 2, "float64"),  // 4 registers
	}
	frames := buildFrames(points, 125, 4)
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(6), frames[0].count)
	assert.Equal(t, uint16(2), frames[0].offsetIn(points[1]))
}

func TestGroupingSeparatesTables(t *testing.T) {
	input := holdingPoint("in", 100, "uint16")
	input.ProtocolParams = map[string]string{"register_type": "input"}
	points := []*config.PointDescriptor{
		holdingPoint("h", 100, "uint16"),
		input,
		coilPoint("c", 100),
	}
	frames := buildFrames(points, 125, 4)
	require.Len(t, frames, 3)
	tables := map[regTable]bool{}
	for _, f := range frames {
		tables[f.table] = true
	}
	assert.True(t, tables[tableHolding])
	assert.True(t, tables[tableInput])
	assert.True(t, tables[tableCoil])
}

func TestGroupingCoilCap(t *testing.T) {
	var points []*config.PointDescriptor
	for i := 0; i < 2001; i++ {
		points = append(points, coilPoint(fmt.Sprintf("c%d", i), uint32(i)))
	}
	frames := buildFrames(points, 125, 4)
	require.Len(t, frames, 2)
	assert.Equal(t, uint16(2000), frames[0].count)
	assert.Equal(t, uint16(1), frames[1].count)
}
