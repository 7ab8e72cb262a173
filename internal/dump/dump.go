// Package dump implements spec §4.13's debug, capture, and dump facilities:
// templated raw-file dumps and the rate-throttled sample-output tracer that
// feeds them, grounded on the teacher's tq.go/xmit.go "timestampPrefix"
// strftime usage (github.com/lestrrat-go/strftime) generalized from a
// single prefix string to a full ${token} template language.
package dump

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/radioerr"
)

// Kind names one of the sample-output tracing categories spec §4.13 lists:
// "status, board status, statistics, timestamps, transceiver register dump,
// loopback-switch dump, peripheral dump".
type Kind int

const (
	KindStatus Kind = iota
	KindBoardStatus
	KindStatistics
	KindTimestamps
	KindTransceiverRegs
	KindLoopbackSwitch
	KindPeripheralDump
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindBoardStatus:
		return "board_status"
	case KindStatistics:
		return "statistics"
	case KindTimestamps:
		return "timestamps"
	case KindTransceiverRegs:
		return "transceiver_regs"
	case KindLoopbackSwitch:
		return "loopback_switch"
	case KindPeripheralDump:
		return "peripheral_dump"
	default:
		return "unknown"
	}
}

const defaultTimeFormat = "%Y%m%d-%H%M%S"

// Expand replaces ${time}, ${newline}, ${sec_now}, ${boardserial}, and any
// key present in fields, in tmpl. timeFormat is a strftime pattern (spec
// §4.13); an empty pattern falls back to defaultTimeFormat. Unknown
// ${tokens} are left untouched so a caller can layer expansions.
func Expand(tmpl string, timeFormat string, boardSerial string, fields map[string]string) (string, error) {
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}
	formattedTime, err := strftime.Format(timeFormat, time.Now())
	if err != nil {
		return "", radioerr.Wrap(radioerr.Failure, "dump: strftime pattern", err)
	}

	replacements := map[string]string{
		"${time}":        formattedTime,
		"${newline}":     "\n",
		"${sec_now}":     strconv.FormatInt(time.Now().Unix(), 10),
		"${boardserial}": boardSerial,
	}
	for k, v := range fields {
		replacements["${"+k+"}"] = v
	}

	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		if tmpl[i] == '$' && i+1 < len(tmpl) && tmpl[i+1] == '{' {
			if end := strings.IndexByte(tmpl[i:], '}'); end >= 0 {
				token := tmpl[i : i+end+1]
				if repl, ok := replacements[token]; ok {
					b.WriteString(repl)
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(tmpl[i])
		i++
	}
	return b.String(), nil
}

// Dumper owns one rolling raw-file dump target: a path template, a header
// template written once per file, and per-Kind line templates for the
// sample-output tracer. Spec §3's Calibration data type carries "a rolling
// dump file descriptor" per direction; one Dumper instance backs each.
type Dumper struct {
	mu sync.Mutex

	pathTemplate   string
	headerTemplate string
	lineTemplates  map[Kind]string
	timeFormat     string
	boardSerial    string
	log            hostif.LogSink

	file    *os.File
	curPath string
}

// New builds a Dumper. pathTemplate and headerTemplate may use the same
// ${token} vocabulary as Expand; lineTemplates supplies a per-Kind line
// template for Trace (a Kind absent from the map is silently skipped).
func New(pathTemplate, headerTemplate string, lineTemplates map[Kind]string, timeFormat, boardSerial string, log hostif.LogSink) *Dumper {
	if lineTemplates == nil {
		lineTemplates = map[Kind]string{}
	}
	return &Dumper{
		pathTemplate:   pathTemplate,
		headerTemplate: headerTemplate,
		lineTemplates:  lineTemplates,
		timeFormat:     timeFormat,
		boardSerial:    boardSerial,
		log:            log,
	}
}

// Open expands pathTemplate, creates (truncating) the resulting file, and
// writes the expanded header. Calling Open while a file is already open
// closes the previous one first, implementing the "rolling dump file"
// behavior.
func (d *Dumper) Open(fields map[string]string) error {
	path, err := Expand(d.pathTemplate, d.timeFormat, d.boardSerial, fields)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file != nil {
		d.file.Close()
		d.file = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return radioerr.Wrap(radioerr.HardwareIOError, "dump: open "+path, err)
	}
	d.file = f
	d.curPath = path

	if d.headerTemplate != "" {
		header, err := Expand(d.headerTemplate, d.timeFormat, d.boardSerial, fields)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(header); err != nil {
			return radioerr.Wrap(radioerr.HardwareIOError, "dump: write header", err)
		}
	}
	if d.log != nil {
		d.log.Infof("dump: opened %s", path)
	}
	return nil
}

// Path returns the currently open dump file's expanded path, or "" if
// none is open.
func (d *Dumper) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curPath
}

// Write appends raw bytes to the currently open dump file. It is a no-op
// (not an error) when no file is open, so callers can leave dumping
// disabled by simply never calling Open.
func (d *Dumper) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return len(p), nil
	}
	n, err := d.file.Write(p)
	if err != nil {
		return n, radioerr.Wrap(radioerr.HardwareIOError, "dump: write", err)
	}
	return n, nil
}

// Trace expands and appends the line template registered for kind, if any,
// with ${time}/${newline}/${sec_now}/${boardserial} plus fields available.
// It is a no-op if no template is registered for kind or no file is open.
func (d *Dumper) Trace(kind Kind, fields map[string]string) error {
	d.mu.Lock()
	tmpl, ok := d.lineTemplates[kind]
	d.mu.Unlock()
	if !ok || tmpl == "" {
		return nil
	}
	line, err := Expand(tmpl, d.timeFormat, d.boardSerial, fields)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err = d.Write([]byte(line))
	return err
}

// Close closes the currently open dump file, if any.
func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	d.curPath = ""
	if err != nil {
		return radioerr.Wrap(radioerr.HardwareIOError, "dump: close", err)
	}
	return nil
}

// Throttle gates tracing/dumping to at most once per sampleInterval
// samples of device time, per spec §4.13 "each I/O path carries a
// current-sample-rate throttled counter".
type Throttle struct {
	mu             sync.Mutex
	intervalSamples uint64
	last            uint64
	haveLast        bool
}

// NewThrottle derives a sample-count interval from a sample rate and a
// desired wall-clock period, e.g. NewThrottle(8_000_000, time.Second) fires
// at most once per second of device time regardless of host scheduling
// jitter.
func NewThrottle(sampleRateHz float64, period time.Duration) *Throttle {
	interval := uint64(sampleRateHz * period.Seconds())
	if interval == 0 {
		interval = 1
	}
	return &Throttle{intervalSamples: interval}
}

// Allow reports whether the action gated by t should fire for the given
// device sample count, updating the internal watermark if so.
func (t *Throttle) Allow(sampleCount uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.haveLast || sampleCount-t.last >= t.intervalSamples {
		t.last = sampleCount
		t.haveLast = true
		return true
	}
	return false
}

// FieldsFromPairs is a small convenience for call sites that build a
// fields map from an alternating key/value argument list, mirroring the
// flexibility of fmt.Sprintf without needing reflection.
func FieldsFromPairs(pairs ...string) map[string]string {
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		fields[pairs[i]] = pairs[i+1]
	}
	return fields
}

// FormatRegisters renders each register value as a "0xNN" string keyed by
// its name, the field-map form used for register or peripheral dumps.
func FormatRegisters(values map[string]byte) map[string]string {
	fields := make(map[string]string, len(values))
	for name, v := range values {
		fields[name] = fmt.Sprintf("0x%02x", v)
	}
	return fields
}
