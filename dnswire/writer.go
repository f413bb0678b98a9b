// SPDX-License-Identifier: GPL-3.0-or-later

package dnswire

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"
)

// maxLabelLength is the maximum length of a single label (RFC 1035 section 2.3.4).
const maxLabelLength = 63

// Writer is an append-only big-endian byte accumulator.
//
// Construct using [NewWriter].
type Writer struct {
	// Logger receives encoding diagnostics.
	//
	// Set by [NewWriter] to [logrus.StandardLogger].
	Logger logrus.FieldLogger

	buf []byte
}

// NewWriter creates a new empty [*Writer].
func NewWriter() *Writer {
	return &Writer{
		Logger: logrus.StandardLogger(),
		buf:    make([]byte, 0, 512),
	}
}

// Bytes returns the bytes encoded so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes encoded so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// EncodeU8 appends one byte.
func (w *Writer) EncodeU8(v uint8) {
	w.buf = append(w.buf, v)
}

// EncodeU16 appends a big-endian 16-bit value.
func (w *Writer) EncodeU16(v uint16) {
	w.buf = append(w.buf, byte(v>>8), byte(v))
}

// EncodeU32 appends a big-endian 32-bit value.
func (w *Writer) EncodeU32(v uint32) {
	w.buf = append(w.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// EncodeBytes appends raw bytes.
func (w *Writer) EncodeBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// EncodeDomainName appends name as an uncompressed label chain.
//
// The name is split on dots and empty segments are ignored, so that both
// "example.com" and "example.com." encode the same way and "" encodes the root.
func (w *Writer) EncodeDomainName(name string) error {
	labels := strings.FieldsFunc(name, func(r rune) bool { return r == '.' })
	for _, label := range labels {
		if len(label) > maxLabelLength {
			return fmt.Errorf("%w: %q", ErrLabelTooLong, label)
		}
	}
	for _, label := range labels {
		w.EncodeU8(uint8(len(label)))
		w.buf = append(w.buf, label...)
	}
	w.EncodeU8(0)
	return nil
}

// EncodeIPv4 appends a dotted-decimal IPv4 address as four bytes.
//
// A malformed address is encoded as 0.0.0.0 and logged.
func (w *Writer) EncodeIPv4(address string) {
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is4() {
		w.logger().Warnf("dnswire: cannot encode %q as IPv4, using 0.0.0.0", address)
		addr = netip.IPv4Unspecified()
	}
	raw := addr.As4()
	w.EncodeBytes(raw[:])
}

// EncodeIPv6 appends an IPv6 address as sixteen bytes.
func (w *Writer) EncodeIPv6(address string) error {
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is6() {
		return fmt.Errorf("%w: not an IPv6 address: %q", ErrUnsupportedRdata, address)
	}
	raw := addr.As16()
	w.EncodeBytes(raw[:])
	return nil
}

func (w *Writer) logger() logrus.FieldLogger {
	if w.Logger == nil {
		return logrus.StandardLogger()
	}
	return w.Logger
}
