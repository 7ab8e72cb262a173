package fpga

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wk3x/hsdr/internal/peripheral"
	"github.com/wk3x/hsdr/internal/usbtransport"
)

func appendRecord(page []byte, kv string) []byte {
	body := append([]byte{byte(len(kv))}, []byte(kv)...)
	crc := crc16(body)
	crcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(crcBytes, crc)
	return append(append(page, body...), crcBytes...)
}

func buildCachePage(kvs ...string) []byte {
	page := make([]byte, 0, calCachePageLen)
	for _, kv := range kvs {
		page = appendRecord(page, kv)
	}
	page = append(page, 0xFF)
	for len(page) < calCachePageLen {
		page = append(page, 0)
	}
	return page
}

func TestParseCacheDecodesFieldsByName(t *testing.T) {
	page := buildCachePage("B=40", "DAC.DAC_TRIM=128")
	cache, err := ParseCache(page)
	require.NoError(t, err)

	size, err := cache.FPGASize()
	require.NoError(t, err)
	assert.Equal(t, "40", size)

	trim, err := cache.DefaultFreqOffset()
	require.NoError(t, err)
	assert.Equal(t, 128.0, trim)
}

func TestParseCacheRejectsBadCRC(t *testing.T) {
	page := buildCachePage("B=40")
	page[2] ^= 0xFF // corrupt a data byte, leaving the CRC stale
	_, err := ParseCache(page)
	assert.Error(t, err)
}

func TestParseCacheMissingFieldIsError(t *testing.T) {
	page := buildCachePage("B=40")
	cache, err := ParseCache(page)
	require.NoError(t, err)
	_, err = cache.DefaultFreqOffset()
	assert.Error(t, err)
}

func TestFileNameForSizeMapsKnownSizes(t *testing.T) {
	name, err := fileNameForSize("40")
	require.NoError(t, err)
	assert.Equal(t, "hosted40.rbf", name)

	name, err = fileNameForSize("115")
	require.NoError(t, err)
	assert.Equal(t, "hosted115.rbf", name)

	_, err = fileNameForSize("999")
	assert.Error(t, err)
}

// fakeDevice is a minimal usbtransport.Device for exercising Loader without
// real USB hardware.
type fakeDevice struct {
	altSet        usbtransport.AltSetting
	ctrlCalls     []byte
	bulkWritten   []byte
	calCachePage  []byte
}

func (d *fakeDevice) Close() error                                  { return nil }
func (d *fakeDevice) SetAltSetting(s usbtransport.AltSetting) error { d.altSet = s; return nil }
func (d *fakeDevice) Speed() usbtransport.Speed                     { return usbtransport.SpeedHigh }
func (d *fakeDevice) BusAddress() (int, int)                        { return 1, 2 }

func (d *fakeDevice) CtrlXfer(_ context.Context, _, req byte, _, _ uint16, buf []byte, _ time.Duration) (int, error) {
	d.ctrlCalls = append(d.ctrlCalls, req)
	if req == reqReadCalCache && d.calCachePage != nil {
		n := copy(buf, d.calCachePage)
		return n, nil
	}
	if req == reqQueryFPGAStatus && len(buf) > 0 {
		buf[0] = 1
		return 1, nil
	}
	return 0, nil
}

func (d *fakeDevice) BulkXferSync(_ context.Context, _ usbtransport.Endpoint, buf []byte, _ time.Duration) (int, error) {
	d.bulkWritten = append([]byte{}, buf...)
	return len(buf), nil
}

func (d *fakeDevice) BulkXferAsync(context.Context, usbtransport.Endpoint, []byte, time.Duration) (usbtransport.AsyncTransfer, error) {
	return nil, nil
}

func TestReadCacheParsesPageFromVendorCommand(t *testing.T) {
	dev := &fakeDevice{calCachePage: buildCachePage("B=115")}
	cache, err := ReadCache(context.Background(), dev, time.Second)
	require.NoError(t, err)
	size, err := cache.FPGASize()
	require.NoError(t, err)
	assert.Equal(t, "115", size)
	assert.Contains(t, dev.ctrlCalls, reqReadCalCache)
}

func TestReadVersionDecodesLittleEndianGPIORegister(t *testing.T) {
	bus := &fakeRegBus{regs: map[byte]byte{
		gpioVersionAddr:     0x01,
		gpioVersionAddr + 1: 0x02,
		gpioVersionAddr + 2: 0x03,
		gpioVersionAddr + 3: 0x04,
	}}
	access := peripheral.NewAccess(bus, nil)
	v, err := ReadVersion(context.Background(), access)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v)
}

type fakeRegBus struct{ regs map[byte]byte }

func (b *fakeRegBus) CtrlWrite(context.Context, []byte, time.Duration) error { return nil }

func (b *fakeRegBus) CtrlRead(_ context.Context, frame []byte, _ time.Duration) ([]byte, error) {
	count := int(frame[1] >> 3 & 0x07)
	out := make([]byte, count)
	for i := 0; i < count; i++ {
		out[i] = b.regs[frame[2+2*i]]
	}
	return out, nil
}
