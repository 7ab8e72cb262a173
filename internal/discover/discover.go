// Package discover enumerates attached USB boards via udev sysfs
// attributes and, optionally, advertises the driver's control bus over
// DNS-SD so a host UI can find a running daemon on the LAN.
//
// Grounded on the teacher's cm108.go/cm108_main.go CGo libudev probe,
// replaced here with the real github.com/jochenvg/go-udev binding, and on
// its appserver/dns_sd.go use of DNS-SD for service advertisement.
package discover

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/brutella/dnssd"
	"github.com/jochenvg/go-udev"

	"github.com/wk3x/hsdr/internal/radioerr"
)

type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedHigh
	SpeedSuper
)

// Filter selects which attached device FindUSBDevice should return.
type Filter struct {
	VendorID, ProductID uint16
	Serial              string
	BusAddress          string
}

// FindUSBDevice walks /sys/bus/usb/devices via udev looking for a device
// matching filter, returning its usbfs device node, bus/address and
// negotiated speed class.
func FindUSBDevice(filter Filter) (node string, bus, addr int, speed Speed, err error) {
	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("usb"); err != nil {
		return "", 0, 0, 0, radioerr.Wrap(radioerr.HardwareNotAvailable, "udev: match subsystem", err)
	}
	if err := e.AddMatchProperty("DEVTYPE", "usb_device"); err != nil {
		return "", 0, 0, 0, radioerr.Wrap(radioerr.HardwareNotAvailable, "udev: match devtype", err)
	}

	devices, err := e.Devices()
	if err != nil {
		return "", 0, 0, 0, radioerr.Wrap(radioerr.HardwareNotAvailable, "udev: enumerate", err)
	}

	for _, d := range devices {
		vid := parseHex(d.PropertyValue("ID_VENDOR_ID"))
		pid := parseHex(d.PropertyValue("ID_MODEL_ID"))
		serial := d.PropertyValue("ID_SERIAL_SHORT")

		if filter.VendorID != 0 && vid != filter.VendorID {
			continue
		}
		if filter.ProductID != 0 && pid != filter.ProductID {
			continue
		}
		if filter.Serial != "" && serial != filter.Serial {
			continue
		}

		busNum, _ := strconv.Atoi(d.SysattrValue("busnum"))
		devNum, _ := strconv.Atoi(d.SysattrValue("devnum"))
		if filter.BusAddress != "" && filter.BusAddress != fmt.Sprintf("%d:%d", busNum, devNum) {
			continue
		}

		sp := SpeedHigh
		switch d.SysattrValue("speed") {
		case "5000", "10000", "20000":
			sp = SpeedSuper
		}

		node = fmt.Sprintf("/dev/bus/usb/%03d/%03d", busNum, devNum)
		return node, busNum, devNum, sp, nil
	}

	return "", 0, 0, 0, radioerr.New(radioerr.HardwareNotAvailable, "no matching USB device found")
}

func parseHex(s string) uint16 {
	s = strings.TrimPrefix(s, "0x")
	v, _ := strconv.ParseUint(s, 16, 16)
	return uint16(v)
}

// Advertiser publishes the driver's control/notify endpoint as
// "_hsdr-ctl._tcp" over DNS-SD, so a host UI can find it without a
// preconfigured address.
type Advertiser struct {
	responder dnssd.Responder
	handle    dnssd.ServiceHandle
	cancel    context.CancelFunc
}

// Advertise registers a service instance named by serial at the given TCP
// port and starts responding to mDNS queries in the background. Callers
// should call Stop when the device is closed.
func Advertise(instanceName string, port int, serial string) (*Advertiser, error) {
	cfg := dnssd.Config{
		Name: instanceName,
		Type: "_hsdr-ctl._tcp",
		Port: port,
		Text: map[string]string{"serial": serial},
	}
	service, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, radioerr.Wrap(radioerr.Failure, "dnssd: build service", err)
	}
	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, radioerr.Wrap(radioerr.Failure, "dnssd: new responder", err)
	}
	handle, err := responder.Add(service)
	if err != nil {
		return nil, radioerr.Wrap(radioerr.Failure, "dnssd: add service", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = responder.Respond(ctx) }()
	return &Advertiser{responder: responder, handle: handle, cancel: cancel}, nil
}

// Stop withdraws the advertisement and stops responding to mDNS queries.
func (a *Advertiser) Stop() {
	if a == nil {
		return
	}
	a.responder.Remove(a.handle)
	a.cancel()
}
