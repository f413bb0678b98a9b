// SPDX-License-Identifier: GPL-3.0-or-later

package dnswire

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Cursor is a sequential big-endian reader over a DNS message.
//
// Every decoding method advances the cursor except [*Cursor.PeekU8]. Reads past
// the end of the buffer fail with [ErrTruncatedMessage].
//
// The cursor also memoizes the names decoded so far, keyed by the offset at
// which they start, so that compression pointers can be resolved.
//
// Construct using [NewCursor].
type Cursor struct {
	buf   []byte
	off   int
	names map[int]DomainName
}

// NewCursor creates a new [*Cursor] positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{
		buf:   buf,
		off:   0,
		names: make(map[int]DomainName),
	}
}

// Offset returns the offset of the next byte to decode.
func (c *Cursor) Offset() int {
	return c.off
}

// Remaining returns the number of bytes not yet decoded.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.off
}

// need ensures that n more bytes are available.
func (c *Cursor) need(n int) error {
	if n < 0 || c.off+n > len(c.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrTruncatedMessage, n, c.off, c.Remaining())
	}
	return nil
}

// seek moves the cursor to an absolute offset within the buffer.
func (c *Cursor) seek(off int) {
	c.off = min(max(off, 0), len(c.buf))
}

// PeekU8 returns the next byte without advancing.
func (c *Cursor) PeekU8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	return c.buf[c.off], nil
}

// DecodeU8 decodes one byte.
func (c *Cursor) DecodeU8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.off]
	c.off++
	return v, nil
}

// DecodeU16 decodes a big-endian 16-bit value.
func (c *Cursor) DecodeU16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := uint16(c.buf[c.off])<<8 | uint16(c.buf[c.off+1])
	c.off += 2
	return v, nil
}

// DecodeU32 decodes a big-endian 32-bit value.
func (c *Cursor) DecodeU32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	b := c.buf[c.off : c.off+4]
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	c.off += 4
	return v, nil
}

// DecodeBytes returns a copy of the next n bytes.
func (c *Cursor) DecodeBytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, c.buf[c.off:c.off+n])
	c.off += n
	return out, nil
}

// DecodeASCII decodes the next n bytes as a string.
func (c *Cursor) DecodeASCII(n int) (string, error) {
	if err := c.need(n); err != nil {
		return "", err
	}
	s := string(c.buf[c.off : c.off+n])
	c.off += n
	return s, nil
}

// DecodeIPv4 decodes four bytes as a dotted-decimal IPv4 address.
func (c *Cursor) DecodeIPv4() (string, error) {
	raw, err := c.DecodeBytes(4)
	if err != nil {
		return "", err
	}
	return netip.AddrFrom4([4]byte(raw)).String(), nil
}

// DecodeIPv6 decodes sixteen bytes as eight colon-separated lowercase hex
// groups. Leading zeros are stripped from each group and an all-zero group is
// rendered as "0". Runs of zero groups are not collapsed.
func (c *Cursor) DecodeIPv6() (string, error) {
	if err := c.need(16); err != nil {
		return "", err
	}
	groups := make([]string, 0, 8)
	for range 8 {
		v, _ := c.DecodeU16() // length checked above
		groups = append(groups, strconv.FormatUint(uint64(v), 16))
	}
	return strings.Join(groups, ":"), nil
}

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.off += n
	return nil
}

// Put memoizes the name starting at the given offset.
func (c *Cursor) Put(off int, name DomainName) {
	c.names[off] = name
}

// Get returns the name memoized at the given offset, if any.
func (c *Cursor) Get(off int) (DomainName, bool) {
	name, found := c.names[off]
	return name, found
}
