// SPDX-License-Identifier: GPL-3.0-or-later

package dnswire

import (
	"fmt"

	"github.com/miekg/dns"
)

// Placeholder is the [Rdata.Info] of record types whose payload we do not use.
const Placeholder = "----"

// Rdata is the typed payload of a resource record.
//
// The concrete types are [*RdataA], [*RdataAAAA], [*RdataNS], [*RdataCNAME],
// [*RdataMX], [*RdataSOA], [*RdataMINFO], [*RdataMailbox] and [*RdataSkip].
// Use a type switch to inspect the payload.
type Rdata interface {
	// Info returns the address for A and AAAA records, the target name for
	// NS, CNAME and MX records, and [Placeholder] otherwise.
	Info() string

	// encode appends the payload to the writer.
	encode(w *Writer) error
}

// RdataA is the payload of an A record.
type RdataA struct {
	// Addr is the dotted-decimal IPv4 address.
	Addr string
}

// NewRdataA returns the payload of an A record.
func NewRdataA(addr string) *RdataA {
	return &RdataA{Addr: addr}
}

// Info implements [Rdata].
func (r *RdataA) Info() string { return r.Addr }

func (r *RdataA) encode(w *Writer) error {
	w.EncodeIPv4(r.Addr)
	return nil
}

// RdataAAAA is the payload of an AAAA record.
type RdataAAAA struct {
	// Addr is the IPv6 address as eight uncompressed hex groups.
	Addr string
}

// Info implements [Rdata].
func (r *RdataAAAA) Info() string { return r.Addr }

func (r *RdataAAAA) encode(w *Writer) error {
	return w.EncodeIPv6(r.Addr)
}

// RdataNS is the payload of an NS record.
type RdataNS struct {
	Host DomainName
}

// Info implements [Rdata].
func (r *RdataNS) Info() string { return r.Host.Name }

func (r *RdataNS) encode(w *Writer) error {
	return EncodeName(w, r.Host)
}

// RdataCNAME is the payload of a CNAME record.
type RdataCNAME struct {
	Target DomainName
}

// Info implements [Rdata].
func (r *RdataCNAME) Info() string { return r.Target.Name }

func (r *RdataCNAME) encode(w *Writer) error {
	return EncodeName(w, r.Target)
}

// RdataMX is the payload of an MX record.
type RdataMX struct {
	Preference uint16
	Exchange   DomainName
}

// Info implements [Rdata].
func (r *RdataMX) Info() string { return r.Exchange.Name }

func (r *RdataMX) encode(w *Writer) error {
	return fmt.Errorf("%w: MX", ErrUnsupportedRdata)
}

// RdataSOA is the payload of an SOA record.
type RdataSOA struct {
	MName   DomainName
	RName   DomainName
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

// Info implements [Rdata].
func (r *RdataSOA) Info() string { return Placeholder }

func (r *RdataSOA) encode(w *Writer) error {
	return fmt.Errorf("%w: SOA", ErrUnsupportedRdata)
}

// RdataMINFO is the payload of a MINFO record.
type RdataMINFO struct {
	RMailBx DomainName
	EMailBx DomainName
}

// Info implements [Rdata].
func (r *RdataMINFO) Info() string { return Placeholder }

func (r *RdataMINFO) encode(w *Writer) error {
	return fmt.Errorf("%w: MINFO", ErrUnsupportedRdata)
}

// RdataMailbox is the payload of the MD, MF, MB, MG, MR and PTR records,
// which all carry a single name.
type RdataMailbox struct {
	Type uint16
	Name DomainName
}

// Info implements [Rdata].
func (r *RdataMailbox) Info() string { return Placeholder }

func (r *RdataMailbox) encode(w *Writer) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedRdata, typeString(r.Type))
}

// RdataSkip is the payload of records we do not interpret.
type RdataSkip struct {
	// Type is the record type.
	Type uint16

	// Length is the number of bytes skipped.
	Length uint16

	// Malformed is true when the record has a known type whose typed
	// decoding failed and we fell back to skipping it.
	Malformed bool
}

// Info implements [Rdata].
func (r *RdataSkip) Info() string { return Placeholder }

func (r *RdataSkip) encode(w *Writer) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedRdata, typeString(r.Type))
}

// DecodeRdata decodes rdLength bytes of rdata of the given type.
//
// When a known type does not decode to exactly rdLength bytes, the rdata
// is skipped and returned as a malformed [*RdataSkip]. Only a buffer too short
// to contain rdLength bytes is an error.
func DecodeRdata(c *Cursor, rrtype uint16, rdLength uint16) (Rdata, error) {
	start := c.Offset()
	if err := c.need(int(rdLength)); err != nil {
		return nil, err
	}

	rdata, err := decodeTypedRdata(c, rrtype, rdLength)
	if err == nil && c.Offset()-start != int(rdLength) {
		err = fmt.Errorf("%w: %s consumed %d bytes, rdlength is %d",
			ErrMalformedRdata, typeString(rrtype), c.Offset()-start, rdLength)
	}
	if err == nil {
		return rdata, nil
	}

	// rdLength bytes are available, so the typed decoder failed because
	// the rdata is inconsistent. Skip it instead of failing the message.
	c.seek(start)
	_ = c.Skip(int(rdLength))
	return &RdataSkip{Type: rrtype, Length: rdLength, Malformed: true}, nil
}

// decodeTypedRdata dispatches on the record type.
func decodeTypedRdata(c *Cursor, rrtype uint16, rdLength uint16) (Rdata, error) {
	switch rrtype {
	case dns.TypeA:
		addr, err := c.DecodeIPv4()
		if err != nil {
			return nil, err
		}
		return &RdataA{Addr: addr}, nil

	case dns.TypeAAAA:
		addr, err := c.DecodeIPv6()
		if err != nil {
			return nil, err
		}
		return &RdataAAAA{Addr: addr}, nil

	case dns.TypeNS:
		host, err := DecodeName(c)
		if err != nil {
			return nil, err
		}
		return &RdataNS{Host: host}, nil

	case dns.TypeCNAME:
		target, err := DecodeName(c)
		if err != nil {
			return nil, err
		}
		return &RdataCNAME{Target: target}, nil

	case dns.TypeMX:
		pref, err := c.DecodeU16()
		if err != nil {
			return nil, err
		}
		exchange, err := DecodeName(c)
		if err != nil {
			return nil, err
		}
		return &RdataMX{Preference: pref, Exchange: exchange}, nil

	case dns.TypeSOA:
		// The names come first and are memoized before the fixed fields
		// because later records may point into them.
		mname, err := DecodeName(c)
		if err != nil {
			return nil, err
		}
		rname, err := DecodeName(c)
		if err != nil {
			return nil, err
		}
		soa := &RdataSOA{MName: mname, RName: rname}
		for _, field := range []*uint32{&soa.Serial, &soa.Refresh, &soa.Retry, &soa.Expire, &soa.Minimum} {
			if *field, err = c.DecodeU32(); err != nil {
				return nil, err
			}
		}
		return soa, nil

	case dns.TypeMINFO:
		rmailbx, err := DecodeName(c)
		if err != nil {
			return nil, err
		}
		emailbx, err := DecodeName(c)
		if err != nil {
			return nil, err
		}
		return &RdataMINFO{RMailBx: rmailbx, EMailBx: emailbx}, nil

	case dns.TypeMD, dns.TypeMF, dns.TypeMB, dns.TypeMG, dns.TypeMR, dns.TypePTR:
		name, err := DecodeName(c)
		if err != nil {
			return nil, err
		}
		return &RdataMailbox{Type: rrtype, Name: name}, nil

	default:
		// NULL, WKS, HINFO and every other type
		if err := c.Skip(int(rdLength)); err != nil {
			return nil, err
		}
		return &RdataSkip{Type: rrtype, Length: rdLength}, nil
	}
}

// typeString returns the mnemonic of a record type.
func typeString(rrtype uint16) string {
	if s, found := dns.TypeToString[rrtype]; found {
		return s
	}
	return fmt.Sprintf("TYPE%d", rrtype)
}
