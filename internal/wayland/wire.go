package wayland

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Object ids and opcodes for the handful of interfaces idlesync speaks.
const (
	displayID uint32 = 1

	// wl_display
	displaySync        uint16 = 0
	displayGetRegistry uint16 = 1
	displayEventError  uint16 = 0
	displayEventDelete uint16 = 1

	// wl_registry
	registryBind         uint16 = 0
	registryEventGlobal  uint16 = 0
	registryEventRemoved uint16 = 1

	// wl_callback
	callbackEventDone uint16 = 0

	// wl_seat
	seatRelease        uint16 = 3
	seatReleaseVersion uint32 = 5

	// ext_idle_notifier_v1
	notifierDestroy         uint16 = 0
	notifierGetNotification uint16 = 1

	// ext_idle_notification_v1
	notificationDestroy     uint16 = 0
	notificationEventIdled  uint16 = 0
	notificationEventResume uint16 = 1
)

const headerSize = 8

var errShortMessage = errors.New("truncated message")

// message is one wire message, either direction
type message struct {
	sender uint32
	opcode uint16
	body   []byte
}

// request builds an outgoing message
type request struct {
	buf []byte
}

func newRequest(sender uint32, opcode uint16) *request {
	r := &request{buf: make([]byte, headerSize, 32)}
	binary.NativeEndian.PutUint32(r.buf[0:4], sender)
	binary.NativeEndian.PutUint16(r.buf[4:6], opcode)
	return r
}

func (r *request) uint(v uint32) *request {
	r.buf = binary.NativeEndian.AppendUint32(r.buf, v)
	return r
}

// string appends a NUL terminated string padded to 32 bits
func (r *request) string(s string) *request {
	r.uint(uint32(len(s) + 1))
	r.buf = append(r.buf, s...)
	r.buf = append(r.buf, 0)
	for len(r.buf)%4 != 0 {
		r.buf = append(r.buf, 0)
	}
	return r
}

// bytes finalizes the size field
func (r *request) bytes() []byte {
	size := uint16(len(r.buf))
	binary.NativeEndian.PutUint16(r.buf[6:8], size)
	return r.buf
}

// readMessage reads exactly one message from rd
func readMessage(rd io.Reader) (message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(rd, header[:]); err != nil {
		return message{}, err
	}
	m := message{
		sender: binary.NativeEndian.Uint32(header[0:4]),
		opcode: binary.NativeEndian.Uint16(header[4:6]),
	}
	size := int(binary.NativeEndian.Uint16(header[6:8]))
	if size < headerSize || size%4 != 0 {
		return message{}, fmt.Errorf("invalid message size %d", size)
	}
	m.body = make([]byte, size-headerSize)
	if _, err := io.ReadFull(rd, m.body); err != nil {
		return message{}, err
	}
	return m, nil
}

// decoder reads arguments from a message body; the first failure sticks
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) uint() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 4 {
		d.err = errShortMessage
		return 0
	}
	v := binary.NativeEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *decoder) string() string {
	n := int(d.uint())
	if d.err != nil || n == 0 {
		return ""
	}
	padded := (n + 3) &^ 3
	if len(d.b) < padded {
		d.err = errShortMessage
		return ""
	}
	s := string(d.b[:n-1])
	d.b = d.b[padded:]
	return s
}
