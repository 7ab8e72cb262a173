package debugconsole

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineSplitsOpAndParams(t *testing.T) {
	msg, err := parseLine("txgain1 value=5")
	require.NoError(t, err)
	assert.Equal(t, "txgain1", msg.Op)
	assert.Equal(t, "5", msg.Params["value"])
}

func TestParseLineMultipleParams(t *testing.T) {
	msg, err := parseLine("freqcalstart system_accuracy=300 count=20")
	require.NoError(t, err)
	assert.Equal(t, "300", msg.Params["system_accuracy"])
	assert.Equal(t, "20", msg.Params["count"])
}

func TestParseLineOpOnlyHasEmptyParams(t *testing.T) {
	msg, err := parseLine("cal_abort")
	require.NoError(t, err)
	assert.Equal(t, "cal_abort", msg.Op)
	assert.Empty(t, msg.Params)
}

func TestParseLineRejectsMalformedParam(t *testing.T) {
	_, err := parseLine("txgain1 novalue")
	assert.Error(t, err)
}

func TestParseLineRejectsEmptyLine(t *testing.T) {
	_, err := parseLine("   ")
	assert.Error(t, err)
}

func TestRenderResultSortsKeys(t *testing.T) {
	line := renderResult(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, "a=1 b=2\n", line)
}

func TestRenderResultEmptyMap(t *testing.T) {
	line := renderResult(map[string]string{})
	assert.Equal(t, "\n", line)
}
