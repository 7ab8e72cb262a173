package bandrelay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLine struct {
	values []int
	closed bool
}

func (l *fakeLine) SetValue(v int) error {
	l.values = append(l.values, v)
	return nil
}
func (l *fakeLine) Close() error { l.closed = true; return nil }

func newTestRelay(table BandTable) (*Relay, []*fakeLine, *fakeLine) {
	bandLines := []*fakeLine{{}, {}, {}, {}}
	rf := &fakeLine{}
	lines := make([]Line, len(bandLines))
	for i, l := range bandLines {
		lines[i] = l
	}
	return &Relay{table: table, bandLines: lines, rfEnable: rf}, bandLines, rf
}

func TestBandTableBandIndexOrdersAscending(t *testing.T) {
	table := BandTable{Boundaries: []float64{100, 200, 300}}
	assert.Equal(t, 0, table.BandIndex(50))
	assert.Equal(t, 1, table.BandIndex(150))
	assert.Equal(t, 2, table.BandIndex(250))
	assert.Equal(t, 3, table.BandIndex(350))
}

func TestDefaultBandTableHas15AscendingBoundaries(t *testing.T) {
	table := DefaultBandTable()
	require.Len(t, table.Boundaries, 15)
	for i := 1; i < len(table.Boundaries); i++ {
		assert.Greater(t, table.Boundaries[i], table.Boundaries[i-1])
	}
}

func TestSetFrequencyEncodesBandIndexAcrossLines(t *testing.T) {
	table := BandTable{Boundaries: []float64{100, 200, 300}}
	relay, bandLines, _ := newTestRelay(table)

	require.NoError(t, relay.SetFrequency(250)) // band index 2 = 0b0010
	assert.Equal(t, []int{0}, bandLines[0].values)
	assert.Equal(t, []int{1}, bandLines[1].values)
	assert.Equal(t, []int{0}, bandLines[2].values)
}

func TestSetFrequencyIsNoopWhenBandUnchanged(t *testing.T) {
	table := BandTable{Boundaries: []float64{100, 200, 300}}
	relay, bandLines, _ := newTestRelay(table)

	require.NoError(t, relay.SetFrequency(150))
	require.NoError(t, relay.SetFrequency(160)) // still band 1
	assert.Len(t, bandLines[0].values, 1, "second call in the same band should not rewrite the lines")
}

func TestSetRFEnabledTogglesLine(t *testing.T) {
	relay, _, rf := newTestRelay(BandTable{})
	require.NoError(t, relay.SetRFEnabled(true))
	require.NoError(t, relay.SetRFEnabled(false))
	assert.Equal(t, []int{1, 0}, rf.values)
}

func TestCloseClosesAllLines(t *testing.T) {
	relay, bandLines, rf := newTestRelay(BandTable{})
	require.NoError(t, relay.Close())
	for _, l := range bandLines {
		assert.True(t, l.closed)
	}
	assert.True(t, rf.closed)
}
