// SPDX-License-Identifier: GPL-3.0-or-later

package dnswire

import (
	"fmt"
	"strings"
)

// maxNameLength is the maximum length of a domain name in presentation format.
const maxNameLength = 255

// NameKind tells how a [DomainName] appeared on the wire.
type NameKind int

const (
	// NameLabels is a name spelled out as a label chain, possibly ending
	// with a compression pointer.
	NameLabels NameKind = iota

	// NamePointer is a name consisting only of a compression pointer.
	NamePointer
)

// String implements [fmt.Stringer].
func (k NameKind) String() string {
	switch k {
	case NamePointer:
		return "pointer"
	default:
		return "labels"
	}
}

// DomainName is a name appearing anywhere in a message.
type DomainName struct {
	// Name is the resolved name, with labels joined by dots and without
	// the trailing dot. The root name is the empty string.
	Name string

	// Kind is the wire variant the name was decoded from.
	Kind NameKind

	// Target is the offset a [NamePointer] points to.
	Target int
}

// NewDomainName returns a [DomainName] to be encoded as a label chain.
func NewDomainName(name string) DomainName {
	return DomainName{Name: strings.TrimSuffix(name, "."), Kind: NameLabels}
}

// String implements [fmt.Stringer].
func (n DomainName) String() string {
	return n.Name
}

// isPointer tells whether a length byte is a compression pointer.
func isPointer(b uint8) bool {
	return b&0xC0 == 0xC0
}

// DecodeName decodes the name starting at the cursor position.
//
// Every decoded name and every suffix of a label chain is memoized in the
// cursor by the offset at which it starts, so that later pointers can be
// resolved against it. Pointers must point strictly backwards.
func DecodeName(c *Cursor) (DomainName, error) {
	first, err := c.PeekU8()
	if err != nil {
		return DomainName{}, err
	}
	if isPointer(first) {
		return decodePointer(c)
	}
	return decodeLabels(c)
}

// decodePointer decodes a name made of a single compression pointer.
func decodePointer(c *Cursor) (DomainName, error) {
	start := c.Offset()
	raw, err := c.DecodeU16()
	if err != nil {
		return DomainName{}, err
	}
	target := int(raw & 0x3FFF)
	if target >= start {
		return DomainName{}, fmt.Errorf("%w: pointer at %d targets %d", ErrForwardPointer, start, target)
	}
	resolved, found := c.Get(target)
	if !found {
		return DomainName{}, fmt.Errorf("%w: pointer at %d targets %d", ErrDanglingPointer, start, target)
	}
	name := DomainName{Name: resolved.Name, Kind: NamePointer, Target: target}
	c.Put(start, name)
	return name, nil
}

// decodeLabels decodes a label chain, which may end with a pointer.
func decodeLabels(c *Cursor) (DomainName, error) {
	type label struct {
		offset int
		value  string
	}

	// 1. collect the labels until the terminating zero byte or a pointer
	var (
		labels []label
		tail   *DomainName
		start  = c.Offset()
		size   = 0
	)
	for {
		off := c.Offset()
		length, err := c.PeekU8()
		if err != nil {
			return DomainName{}, err
		}
		if length == 0 {
			_ = c.Skip(1)
			break
		}
		if isPointer(length) {
			ptr, err := decodePointer(c)
			if err != nil {
				return DomainName{}, err
			}
			tail = &ptr
			size += len(ptr.Name)
			if size > maxNameLength {
				return DomainName{}, fmt.Errorf("%w: name at %d longer than %d bytes", ErrMalformedName, start, maxNameLength)
			}
			break
		}
		if length > maxLabelLength {
			return DomainName{}, fmt.Errorf("%w: reserved label type 0x%02x at %d", ErrMalformedName, length, off)
		}
		_ = c.Skip(1)
		value, err := c.DecodeASCII(int(length))
		if err != nil {
			return DomainName{}, err
		}
		size += len(value) + 1
		if size > maxNameLength {
			return DomainName{}, fmt.Errorf("%w: name at %d longer than %d bytes", ErrMalformedName, start, maxNameLength)
		}
		labels = append(labels, label{offset: off, value: value})
	}

	// 2. memoize every suffix from the shortest to the longest
	suffix := ""
	if tail != nil {
		suffix = tail.Name
	}
	for idx := len(labels) - 1; idx >= 0; idx-- {
		if suffix == "" {
			suffix = labels[idx].value
		} else {
			suffix = labels[idx].value + "." + suffix
		}
		c.Put(labels[idx].offset, DomainName{Name: suffix, Kind: NameLabels})
	}

	// 3. memoize the root name, which has no labels
	name := DomainName{Name: suffix, Kind: NameLabels}
	if len(labels) == 0 && tail == nil {
		c.Put(start, name)
	}
	return name, nil
}

// EncodeName appends the name to the writer as an uncompressed label chain.
func EncodeName(w *Writer, name DomainName) error {
	return w.EncodeDomainName(name.Name)
}
