// Package control dispatches host ingress control messages (spec §6.5) to
// a device's operations, returning key=value result pairs, grounded on the
// teacher's kissutil.go command-line dispatch ("a named op picks a
// handler function") generalized from CLI flags to a hostif.ControlBus
// message grammar.
package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/radioerr"
	"github.com/wk3x/hsdr/internal/transceiver"
)

// Handler is everything internal/device implements to service spec §6.5's
// recognized operations. Dispatcher is intentionally decoupled from
// internal/device's concrete type so control has no import-cycle back
// toward it.
type Handler interface {
	SetGain(ctx context.Context, dir transceiver.Direction, stage, value int) error
	SetDCOffsetI(ctx context.Context, dir transceiver.Direction, value int) error
	SetDCOffsetQ(ctx context.Context, dir transceiver.Direction, value int) error
	SetTXFPGAPhase(ctx context.Context, value int) error
	SetTXFPGAGain(ctx context.Context, value int) error
	SetBalance(ctx context.Context, value float64) error
	SetGainExpansion(ctx context.Context, breakpointDB, slope float64) error
	SetPhaseExpansion(ctx context.Context, breakpointDB, slope float64) error
	LMSWrite(ctx context.Context, addr, value byte) error
	SetBufOutput(ctx context.Context, enabled bool) error
	SetRXDCOutput(ctx context.Context, enabled bool) error
	SetTXPattern(ctx context.Context, name string, gain float64) error
	Show(ctx context.Context, what string) (map[string]string, error)
	SetFreqOffset(ctx context.Context, value float64) error
	FreqCalStart(ctx context.Context, systemAccuracyUS int, count int) error
	FreqCalStop(ctx context.Context) error
	CalStop(ctx context.Context) error
	CalAbort(ctx context.Context) error
}

// Dispatcher routes hostif.Message ops to a Handler.
type Dispatcher struct {
	h   Handler
	log hostif.LogSink
}

func New(h Handler, log hostif.LogSink) *Dispatcher {
	return &Dispatcher{h: h, log: log}
}

// gainOp parses "txgain1".."txgain2"/"rxgain1".."rxgain2" into a
// (direction, stage) pair, spec §6.5 "txgainN/rxgainN".
func gainOp(op string) (dir transceiver.Direction, stage int, ok bool) {
	var prefix string
	switch {
	case strings.HasPrefix(op, "txgain"):
		prefix, dir = "txgain", transceiver.TX
	case strings.HasPrefix(op, "rxgain"):
		prefix, dir = "rxgain", transceiver.RX
	default:
		return 0, 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(op, prefix))
	if err != nil {
		return 0, 0, false
	}
	return dir, n, true
}

func intParam(params map[string]string, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, radioerr.New(radioerr.MissingMandatoryIE, "control: missing parameter \""+key+"\"")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, radioerr.Wrap(radioerr.ParserErr, "control: parameter \""+key+"\"", err)
	}
	return n, nil
}

func floatParam(params map[string]string, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, radioerr.New(radioerr.MissingMandatoryIE, "control: missing parameter \""+key+"\"")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, radioerr.Wrap(radioerr.ParserErr, "control: parameter \""+key+"\"", err)
	}
	return f, nil
}

func boolParam(params map[string]string, key string) bool {
	v := params[key]
	return v == "1" || v == "true"
}

// Dispatch routes one ingress message to the corresponding Handler method
// and renders its result as key=value pairs, spec §6.5 "results returned
// as key=value pairs".
func (d *Dispatcher) Dispatch(ctx context.Context, msg hostif.Message) (map[string]string, error) {
	op := msg.Op
	p := msg.Params

	if dir, stage, ok := gainOp(op); ok {
		value, err := intParam(p, "value")
		if err != nil {
			return nil, err
		}
		if err := d.h.SetGain(ctx, dir, stage, value); err != nil {
			return nil, err
		}
		return map[string]string{"op": op, "value": strconv.Itoa(value)}, nil
	}

	switch op {
	case "txdci", "txdcq", "rxdci", "rxdcq":
		return d.dispatchDC(ctx, op, p)
	case "txfpgaphase":
		v, err := intParam(p, "value")
		if err != nil {
			return nil, err
		}
		if err := d.h.SetTXFPGAPhase(ctx, v); err != nil {
			return nil, err
		}
		return map[string]string{"op": op, "value": strconv.Itoa(v)}, nil
	case "txfpgagain":
		v, err := intParam(p, "value")
		if err != nil {
			return nil, err
		}
		if err := d.h.SetTXFPGAGain(ctx, v); err != nil {
			return nil, err
		}
		return map[string]string{"op": op, "value": strconv.Itoa(v)}, nil
	case "balance":
		v, err := floatParam(p, "value")
		if err != nil {
			return nil, err
		}
		if err := d.h.SetBalance(ctx, v); err != nil {
			return nil, err
		}
		return map[string]string{"op": op, "value": fmt.Sprintf("%g", v)}, nil
	case "gainexp":
		return d.dispatchExpansion(ctx, d.h.SetGainExpansion, op, p)
	case "phaseexp":
		return d.dispatchExpansion(ctx, d.h.SetPhaseExpansion, op, p)
	case "lmswrite":
		addr, err := intParam(p, "addr")
		if err != nil {
			return nil, err
		}
		value, err := intParam(p, "value")
		if err != nil {
			return nil, err
		}
		if err := d.h.LMSWrite(ctx, byte(addr), byte(value)); err != nil {
			return nil, err
		}
		return map[string]string{"op": op}, nil
	case "bufoutput":
		if err := d.h.SetBufOutput(ctx, boolParam(p, "value")); err != nil {
			return nil, err
		}
		return map[string]string{"op": op}, nil
	case "rxdcoutput":
		if err := d.h.SetRXDCOutput(ctx, boolParam(p, "value")); err != nil {
			return nil, err
		}
		return map[string]string{"op": op}, nil
	case "txpattern":
		gain, _ := floatParam(p, "gain")
		if err := d.h.SetTXPattern(ctx, p["name"], gain); err != nil {
			return nil, err
		}
		return map[string]string{"op": op, "name": p["name"]}, nil
	case "show":
		return d.h.Show(ctx, p["what"])
	case "freqoffs":
		v, err := floatParam(p, "value")
		if err != nil {
			return nil, err
		}
		if err := d.h.SetFreqOffset(ctx, v); err != nil {
			return nil, err
		}
		return map[string]string{"op": op, "value": fmt.Sprintf("%g", v)}, nil
	case "freqcalstart":
		accuracy, err := intParam(p, "system_accuracy")
		if err != nil {
			return nil, err
		}
		count, err := intParam(p, "count")
		if err != nil {
			return nil, err
		}
		if err := d.h.FreqCalStart(ctx, accuracy, count); err != nil {
			return nil, err
		}
		return map[string]string{"op": op}, nil
	case "freqcalstop":
		if err := d.h.FreqCalStop(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"op": op}, nil
	case "cal_stop":
		if err := d.h.CalStop(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"op": op}, nil
	case "cal_abort":
		if err := d.h.CalAbort(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"op": op}, nil
	default:
		return nil, radioerr.New(radioerr.NotSupported, "control: unrecognized operation \""+op+"\"")
	}
}

func (d *Dispatcher) dispatchDC(ctx context.Context, op string, p map[string]string) (map[string]string, error) {
	v, err := intParam(p, "value")
	if err != nil {
		return nil, err
	}
	dir := transceiver.TX
	if strings.HasPrefix(op, "rx") {
		dir = transceiver.RX
	}
	var setErr error
	if strings.HasSuffix(op, "dci") {
		setErr = d.h.SetDCOffsetI(ctx, dir, v)
	} else {
		setErr = d.h.SetDCOffsetQ(ctx, dir, v)
	}
	if setErr != nil {
		return nil, setErr
	}
	return map[string]string{"op": op, "value": strconv.Itoa(v)}, nil
}

type expansionSetter func(ctx context.Context, breakpointDB, slope float64) error

func (d *Dispatcher) dispatchExpansion(ctx context.Context, set expansionSetter, op string, p map[string]string) (map[string]string, error) {
	bp, err := floatParam(p, "breakpoint")
	if err != nil {
		return nil, err
	}
	slope, err := floatParam(p, "slope")
	if err != nil {
		return nil, err
	}
	if err := set(ctx, bp, slope); err != nil {
		return nil, err
	}
	return map[string]string{"op": op}, nil
}
