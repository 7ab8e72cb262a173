//go:build linux

package usbtransport

import (
	"context"
	"os"
	"sync"
	"time"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"

	"github.com/wk3x/hsdr/internal/discover"
	"github.com/wk3x/hsdr/internal/radioerr"
)

func init() {
	RegisterOpener(openLinux)
}

// usbdevfs ioctl request codes, built with the same IOR/IOW helpers
// Daedaluz-goserial/ioctl_linux.go uses for termios ioctls.
var (
	usbdevfsControl       = ioctl.IOWR('U', 0, unsafe.Sizeof(ctrlTransfer{}))
	usbdevfsBulk          = ioctl.IOWR('U', 2, unsafe.Sizeof(bulkTransfer{}))
	usbdevfsSetInterface  = ioctl.IOR('U', 4, unsafe.Sizeof(setInterface{}))
	usbdevfsSubmitURB     = ioctl.IOR('U', 10, unsafe.Sizeof(urb{}))
	usbdevfsDiscardURB    = ioctl.IO('U', 11)
	usbdevfsReapURBNDelay = ioctl.IOW('U', 13, unsafe.Sizeof(uintptr(0)))
)

type ctrlTransfer struct {
	bRequestType byte
	bRequest     byte
	wValue       uint16
	wIndex       uint16
	wLength      uint16
	_            [2]byte
	timeoutMS    uint32
	data         uintptr
}

type bulkTransfer struct {
	ep        uint32
	length    uint32
	timeoutMS uint32
	_         [4]byte
	data      uintptr
}

type setInterface struct {
	iface      uint32
	altsetting uint32
}

// urb mirrors struct usbdevfs_urb, trimmed to the bulk/non-isochronous
// fields this transport actually uses.
type urb struct {
	typ            byte
	endpoint       byte
	status         int32
	flags          uint32
	buffer         uintptr
	bufferLength   int32
	actualLength   int32
	startFrame     int32
	numberOfPacket int32
	errorCount     int32
	signr          uint32
	userContext    uintptr
}

const (
	urbTypeBulk = 3
)

type linuxDevice struct {
	f          *os.File
	bus, addr  int
	speed      Speed
	mu         sync.Mutex // serializes ioctl() calls on the fd
	eps        map[Endpoint]byte
}

func openLinux(ctx context.Context, filter Filter) (Device, error) {
	node, bus, addr, speed, err := discover.FindUSBDevice(discover.Filter{
		VendorID:   filter.VendorID,
		ProductID:  filter.ProductID,
		Serial:     filter.Serial,
		BusAddress: filter.BusAddress,
	})
	if err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareNotAvailable, "usb: enumerate", err)
	}
	f, err := os.OpenFile(node, os.O_RDWR, 0)
	if err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareNotAvailable, "usb: open "+node, err)
	}
	sp := SpeedHigh
	if speed == discover.SpeedSuper {
		sp = SpeedSuper
	}
	return &linuxDevice{
		f:    f,
		bus:  bus,
		addr: addr,
		speed: sp,
		eps: map[Endpoint]byte{
			EndpointTXSamples: 0x01,
			EndpointTXCtrl:    0x02,
			EndpointRXSamples: 0x81,
			EndpointRXCtrl:    0x82,
		},
	}, nil
}

func (d *linuxDevice) Close() error {
	return d.f.Close()
}

func (d *linuxDevice) Speed() Speed { return d.speed }

func (d *linuxDevice) BusAddress() (bus, address int) { return d.bus, d.addr }

func (d *linuxDevice) SetAltSetting(setting AltSetting) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	si := setInterface{iface: 0, altsetting: uint32(setting)}
	if err := ioctl.Ioctl(d.f.Fd(), usbdevfsSetInterface, uintptr(unsafe.Pointer(&si))); err != nil {
		return mapErrno(translateErrno(err), "usb: set alt setting")
	}
	return nil
}

func (d *linuxDevice) CtrlXfer(ctx context.Context, reqType, req byte, value, index uint16, buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var dataPtr uintptr
	if len(buf) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&buf[0]))
	}
	xfer := ctrlTransfer{
		bRequestType: reqType,
		bRequest:     req,
		wValue:       value,
		wIndex:       index,
		wLength:      uint16(len(buf)),
		timeoutMS:    uint32(timeout.Milliseconds()),
		data:         dataPtr,
	}
	if err := withDeadline(ctx, timeout, func() error {
		return ioctl.Ioctl(d.f.Fd(), usbdevfsControl, uintptr(unsafe.Pointer(&xfer)))
	}); err != nil {
		return 0, mapErrno(translateErrno(err), "usb: control transfer")
	}
	return len(buf), nil
}

func (d *linuxDevice) BulkXferSync(ctx context.Context, ep Endpoint, buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var dataPtr uintptr
	if len(buf) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&buf[0]))
	}
	xfer := bulkTransfer{
		ep:        uint32(d.eps[ep]),
		length:    uint32(len(buf)),
		timeoutMS: uint32(timeout.Milliseconds()),
		data:      dataPtr,
	}
	var err error
	waitErr := withDeadline(ctx, timeout, func() error {
		err = ioctl.Ioctl(d.f.Fd(), usbdevfsBulk, uintptr(unsafe.Pointer(&xfer)))
		return err
	})
	if waitErr != nil {
		return 0, mapErrno(translateErrno(waitErr), "usb: bulk transfer")
	}
	return len(buf), nil
}

// asyncTransfer tracks one outstanding USBDEVFS_SUBMITURB/REAPURB pair.
type asyncTransfer struct {
	dev     *linuxDevice
	u       *urb
	buf     []byte
	done    chan struct{}
	result  int
	err     error
}

func (d *linuxDevice) BulkXferAsync(ctx context.Context, ep Endpoint, buf []byte, timeout time.Duration) (AsyncTransfer, error) {
	d.mu.Lock()
	u := &urb{
		typ:          urbTypeBulk,
		endpoint:     d.eps[ep],
		bufferLength: int32(len(buf)),
	}
	if len(buf) > 0 {
		u.buffer = uintptr(unsafe.Pointer(&buf[0]))
	}
	err := ioctl.Ioctl(d.f.Fd(), usbdevfsSubmitURB, uintptr(unsafe.Pointer(u)))
	d.mu.Unlock()
	if err != nil {
		return nil, mapErrno(translateErrno(err), "usb: submit async bulk transfer")
	}
	at := &asyncTransfer{dev: d, u: u, buf: buf, done: make(chan struct{})}
	go at.reap(timeout)
	return at, nil
}

func (a *asyncTransfer) reap(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	const pollSlice = 5 * time.Millisecond
	for {
		a.dev.mu.Lock()
		var reaped uintptr
		err := ioctl.Ioctl(a.dev.f.Fd(), usbdevfsReapURBNDelay, uintptr(unsafe.Pointer(&reaped)))
		a.dev.mu.Unlock()
		if err == nil {
			a.result = int(a.u.actualLength)
			if int(a.u.actualLength) < len(a.buf) {
				a.err = radioerr.New(radioerr.HardwareIOError, "usb: short async transfer")
			}
			close(a.done)
			return
		}
		if time.Now().After(deadline) {
			a.cancelLocked()
			a.err = radioerr.Sentinel(radioerr.Timeout)
			close(a.done)
			return
		}
		time.Sleep(pollSlice)
	}
}

func (a *asyncTransfer) cancelLocked() {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	_ = ioctl.Ioctl(a.dev.f.Fd(), usbdevfsDiscardURB, uintptr(unsafe.Pointer(a.u)))
}

func (a *asyncTransfer) Wait(ctx context.Context) (int, error) {
	select {
	case <-a.done:
		return a.result, a.err
	case <-ctx.Done():
		a.cancelLocked()
		return 0, radioerr.Sentinel(radioerr.Cancelled)
	}
}

func (a *asyncTransfer) Cancel() error {
	a.cancelLocked()
	return nil
}

// withDeadline runs fn, but returns Cancelled/Timeout promptly if ctx is
// done before fn's own ioctl timeout elapses, per spec §5's "blocking USB
// waits wake periodically and check [the cancellation flag]".
func withDeadline(ctx context.Context, timeout time.Duration, fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return radioerr.Wrap(radioerr.Cancelled, "cancelled", ctx.Err())
	case <-time.After(timeout + 50*time.Millisecond):
		return radioerr.Sentinel(radioerr.Timeout)
	}
}

var _ = unix.Syscall // keep golang.org/x/sys/unix linked for raw errno translation below

func translateErrno(err error) error {
	if errno, ok := err.(unix.Errno); ok {
		switch errno {
		case unix.ETIMEDOUT:
			return radioerr.Sentinel(radioerr.Timeout)
		case unix.ENODEV, unix.ENOENT:
			return radioerr.Sentinel(radioerr.HardwareNotAvailable)
		}
	}
	return err
}
