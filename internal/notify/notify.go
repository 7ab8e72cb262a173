// Package notify builds the egress notification messages spec §6.6
// describes: on start/stop/calibrated/frequency-offset-change, a message
// naming the module, the device's serial+address+speed, and relevant
// parameters. Grounded on the teacher's text_color_set/dw_printf status
// line idiom in tq.go, generalized from a human-readable line to a
// structured hostif.Message.
package notify

import (
	"fmt"
	"strconv"

	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/usbtransport"
)

const moduleName = "hsdr"

// DeviceIdentity is the serial+address+speed triple every notification
// carries, spec §6.6 "device serial+address+speed".
type DeviceIdentity struct {
	Serial string
	Bus    int
	Addr   int
	Speed  usbtransport.Speed
}

func (id DeviceIdentity) params() map[string]string {
	speed := "unknown"
	switch id.Speed {
	case usbtransport.SpeedHigh:
		speed = "high"
	case usbtransport.SpeedSuper:
		speed = "super"
	}
	return map[string]string{
		"serial": id.Serial,
		"bus":    strconv.Itoa(id.Bus),
		"addr":   strconv.Itoa(id.Addr),
		"speed":  speed,
	}
}

func base(op string, id DeviceIdentity) hostif.Message {
	return hostif.Message{
		Module: moduleName,
		Op:     op,
		Params: id.params(),
	}
}

func merge(msg hostif.Message, extra map[string]string) hostif.Message {
	for k, v := range extra {
		msg.Params[k] = v
	}
	return msg
}

// Started builds the "device started" notification.
func Started(id DeviceIdentity) hostif.Message {
	return base("started", id)
}

// Stopped builds the "device stopped" notification.
func Stopped(id DeviceIdentity) hostif.Message {
	return base("stopped", id)
}

// Calibrated builds the "calibration completed" notification, carrying
// the result fields a caller has already formatted (spec §6.6
// "calibration results").
func Calibrated(id DeviceIdentity, results map[string]string) hostif.Message {
	return merge(base("calibrated", id), results)
}

// FreqOffsetChanged builds the "RadioFrequencyOffset changed" notification.
func FreqOffsetChanged(id DeviceIdentity, newOffset float64) hostif.Message {
	return merge(base("freqoffset_changed", id), map[string]string{
		"RadioFrequencyOffset": fmt.Sprintf("%g", newOffset),
	})
}

// Failed builds an error notification, spec §6.6 "error details".
func Failed(id DeviceIdentity, op string, err error) hostif.Message {
	return merge(base("failed", id), map[string]string{
		"failed_op": op,
		"error":     err.Error(),
	})
}

// Send is a convenience wrapper over hostif.ControlBus.Send that never
// panics on a nil bus, letting callers notify optimistically without a
// presence check at every call site.
func Send(bus hostif.ControlBus, msg hostif.Message) error {
	if bus == nil {
		return nil
	}
	return bus.Send(msg)
}
