// Package fpga implements spec §6.2's FPGA load sequence and §6.3's
// calibration-cache page parsing, grounded on usbtransport's vendor
// control-transfer primitives (§4.1) the way the teacher's cm108_main.go
// issues vendor-specific HID feature reports to its USB audio codec.
package fpga

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/peripheral"
	"github.com/wk3x/hsdr/internal/radioerr"
	"github.com/wk3x/hsdr/internal/usbtransport"
)

// Vendor control-endpoint request codes, spec §6.1 "vendor commands on
// control endpoint 0".
const (
	reqQueryFPGAStatus byte = 0x01
	reqBeginProgram    byte = 0x02
	reqQueryStatus     byte = 0x03
	reqReadCalCache    byte = 0x04
)

const (
	vendorOut = 0x40 // bmRequestType: host-to-device, vendor, device
	vendorIn  = 0xC0 // bmRequestType: device-to-host, vendor, device

	gpioVersionAddr = 0x0C
	calCachePageLen = 256
)

// Info describes one completed FPGA load, spec §3 Device "FPGA version +
// MD5 + source file path".
type Info struct {
	Path    string
	MD5     string
	Version uint32
}

// Loader drives the load sequence over one opened USB device.
type Loader struct {
	dev        usbtransport.Device
	sharedPath string
	log        hostif.LogSink
	timeout    time.Duration
}

func NewLoader(dev usbtransport.Device, sharedPath string, log hostif.LogSink) *Loader {
	return &Loader{dev: dev, sharedPath: sharedPath, log: log, timeout: 2 * time.Second}
}

// fileNameForSize maps the calibration cache's "B" field (board RAM size in
// thousands of logic cells) to the bitstream file name, spec §6.2
// "hostedXY.rbf for board size XY in {40, 115}".
func fileNameForSize(size string) (string, error) {
	switch size {
	case "40":
		return "hosted40.rbf", nil
	case "115":
		return "hosted115.rbf", nil
	default:
		return "", radioerr.New(radioerr.NotSupported, "fpga: unknown board size field \""+size+"\"")
	}
}

// Load runs spec §6.2's sequence: switch to the fpga alt setting, vendor
// "begin program", bulk-write the entire bitstream on TX ctrl, vendor
// "query status" to commit. It does not read the version register
// (ReadVersion does), so the returned Info's Version is left zero.
func (l *Loader) Load(ctx context.Context, boardSize string) (*Info, error) {
	name, err := fileNameForSize(boardSize)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(l.sharedPath, "data", name)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareNotAvailable, "fpga: read bitstream "+path, err)
	}
	sum := md5.Sum(data)

	if err := l.dev.SetAltSetting(usbtransport.AltFPGA); err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareIOError, "fpga: select fpga alt setting", err)
	}
	if _, err := l.dev.CtrlXfer(ctx, vendorOut, reqBeginProgram, 0, 0, nil, l.timeout); err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareIOError, "fpga: begin program", err)
	}
	if _, err := l.dev.BulkXferSync(ctx, usbtransport.EndpointTXCtrl, data, l.timeout); err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareIOError, "fpga: write bitstream", err)
	}
	if _, err := l.dev.CtrlXfer(ctx, vendorOut, reqQueryStatus, 0, 0, nil, l.timeout); err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareIOError, "fpga: query status after program", err)
	}

	if l.log != nil {
		l.log.Infof("fpga: loaded %s (md5 %s)", path, hex.EncodeToString(sum[:]))
	}
	return &Info{Path: path, MD5: hex.EncodeToString(sum[:])}, nil
}

// IsProgrammed issues the "query FPGA status" vendor command and reports
// whether the image is already loaded.
func (l *Loader) IsProgrammed(ctx context.Context) (bool, error) {
	buf := make([]byte, 1)
	n, err := l.dev.CtrlXfer(ctx, vendorIn, reqQueryFPGAStatus, 0, 0, buf, l.timeout)
	if err != nil {
		return false, radioerr.Wrap(radioerr.HardwareIOError, "fpga: query status", err)
	}
	if n < 1 {
		return false, radioerr.New(radioerr.HardwareIOError, "fpga: query status: short response")
	}
	return buf[0] != 0, nil
}

// ReadVersion reads the FPGA version as 4 little-endian bytes at GPIO
// register 0x0C, spec §6.2.
func ReadVersion(ctx context.Context, access *peripheral.Access) (uint32, error) {
	raw, err := access.Read(ctx, peripheral.DevGPIO, []byte{gpioVersionAddr, gpioVersionAddr + 1, gpioVersionAddr + 2, gpioVersionAddr + 3})
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// crc16 implements spec §6.3's CRC: polynomial 0x1021, initial value 0,
// bit-wise, MSB-first (CRC-CCITT without input/output reflection).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Cache is the parsed calibration-cache page, fields keyed by name
// ("B" for FPGA size, "DAC.DAC_TRIM" for default freq offset, spec §6.3).
type Cache struct {
	Fields map[string]string
}

// ReadCache issues the "read calibration cache" vendor command and parses
// the returned 256-byte page.
func ReadCache(ctx context.Context, dev usbtransport.Device, timeout time.Duration) (*Cache, error) {
	buf := make([]byte, calCachePageLen)
	n, err := dev.CtrlXfer(ctx, vendorIn, reqReadCalCache, 0, 0, buf, timeout)
	if err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareIOError, "fpga: read calibration cache", err)
	}
	return ParseCache(buf[:n])
}

// ParseCache decodes a raw calibration-cache page, spec §6.3: repeated
// records `len(1) | data(len) | crc16(2 little-endian)`, terminated by a
// 0xFF length byte. Each record's data is a "name=value" pair (this repo's
// resolution of the spec's unspecified record grammar — see DESIGN.md).
func ParseCache(page []byte) (*Cache, error) {
	fields := map[string]string{}
	i := 0
	for i < len(page) {
		length := page[i]
		if length == 0xFF {
			break
		}
		if i+1+int(length)+2 > len(page) {
			return nil, radioerr.New(radioerr.ParserErr, "fpga: calibration cache: truncated record")
		}
		recordBody := page[i : i+1+int(length)] // len+data, the CRC's coverage
		data := page[i+1 : i+1+int(length)]
		wantCRC := binary.LittleEndian.Uint16(page[i+1+int(length) : i+1+int(length)+2])
		if got := crc16(recordBody); got != wantCRC {
			return nil, radioerr.New(radioerr.ParserErr, fmt.Sprintf("fpga: calibration cache: CRC mismatch at offset %d (got %04x want %04x)", i, got, wantCRC))
		}

		name, value, ok := bytes.Cut(data, []byte{'='})
		if !ok {
			return nil, radioerr.New(radioerr.ParserErr, "fpga: calibration cache: malformed record (no '=')")
		}
		fields[string(name)] = string(value)

		i += 1 + int(length) + 2
	}
	return &Cache{Fields: fields}, nil
}

// FPGASize returns the "B" field used to select the bitstream file.
func (c *Cache) FPGASize() (string, error) {
	v, ok := c.Fields["B"]
	if !ok {
		return "", radioerr.New(radioerr.MissingMandatoryIE, "fpga: calibration cache missing field \"B\"")
	}
	return v, nil
}

// DefaultFreqOffset returns the "DAC.DAC_TRIM" field parsed as a float,
// the factory default VCTCXO DAC trim (spec §4.11, §6.3).
func (c *Cache) DefaultFreqOffset() (float64, error) {
	v, ok := c.Fields["DAC.DAC_TRIM"]
	if !ok {
		return 0, radioerr.New(radioerr.MissingMandatoryIE, "fpga: calibration cache missing field \"DAC.DAC_TRIM\"")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, radioerr.Wrap(radioerr.ParserErr, "fpga: parse DAC.DAC_TRIM", err)
	}
	return f, nil
}
