// SPDX-License-Identifier: GPL-3.0-or-later

package dnswire

import "errors"

// Errors returned by the decoding functions. A datagram failing with any of
// these errors should be treated as absent by the caller.
var (
	// ErrTruncatedMessage indicates that the buffer is shorter than a field requires.
	ErrTruncatedMessage = errors.New("truncated DNS message")

	// ErrDanglingPointer indicates a compression pointer to an offset at which
	// no name has been decoded.
	ErrDanglingPointer = errors.New("dangling compression pointer")

	// ErrForwardPointer indicates a compression pointer that does not point
	// strictly before its own position.
	ErrForwardPointer = errors.New("compression pointer does not point backwards")

	// ErrMalformedName indicates a name using reserved label types or exceeding
	// the maximum name length.
	ErrMalformedName = errors.New("malformed domain name")

	// ErrMalformedRdata indicates rdata whose typed decoding did not consume
	// exactly rdlength bytes. The decoder recovers by skipping the rdata.
	ErrMalformedRdata = errors.New("malformed rdata")
)

// Errors returned by the encoding functions.
var (
	// ErrLabelTooLong indicates a label longer than 63 bytes.
	ErrLabelTooLong = errors.New("label too long")

	// ErrUnsupportedRdata indicates rdata we do not know how to encode.
	ErrUnsupportedRdata = errors.New("unsupported rdata for encoding")

	// ErrCountMismatch indicates that the header counts do not match the
	// length of the corresponding sections.
	ErrCountMismatch = errors.New("header count does not match section length")
)
