// SPDX-License-Identifier: GPL-3.0-or-later

package dnswire

import (
	"fmt"
	"math"

	"github.com/miekg/dns"
)

// Header flag bits we test.
const (
	// FlagResponse is the QR bit.
	FlagResponse = 0x8000

	// FlagAuthoritative is the AA bit.
	FlagAuthoritative = 0x0400

	// maskRcode selects the RCODE bits.
	maskRcode = 0x000F
)

// Header is the fixed header of a [*Message].
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// Question is the question of a [*Message].
type Question struct {
	Name  DomainName
	Type  uint16
	Class uint16
}

// ResourceRecord is an entry of the answer, authority or additional section.
type ResourceRecord struct {
	Name     DomainName
	Type     uint16
	Class    uint16
	TTL      uint32
	RDLength uint16
	Data     Rdata
}

// NewARecord constructs an A record suitable for [*Message.Encode].
func NewARecord(name string, class uint16, ttl uint32, addr string) ResourceRecord {
	return ResourceRecord{
		Name:     NewDomainName(name),
		Type:     dns.TypeA,
		Class:    class,
		TTL:      ttl,
		RDLength: 4,
		Data:     NewRdataA(addr),
	}
}

// Message is a DNS query or response.
//
// Construct using [NewQuery], [NewResponse] or [Decode].
type Message struct {
	Header      Header
	Questions   []Question
	Answers     []ResourceRecord
	Authorities []ResourceRecord
	Additionals []ResourceRecord
}

// NewQuery constructs a query with a single question, zero flags and the
// given transaction id.
func NewQuery(name string, id uint16, qtype uint16) *Message {
	return &Message{
		Header: Header{
			ID:      id,
			Flags:   0,
			QDCount: 1,
		},
		Questions: []Question{{
			Name:  NewDomainName(name),
			Type:  qtype,
			Class: dns.ClassINET,
		}},
	}
}

// NewResponse constructs a response to query.
//
// The response copies the id, the question count and the questions of the
// query, uses the given flags and sets the section counts from the given
// record lists.
func NewResponse(query *Message, flags uint16,
	answers, authorities, additionals []ResourceRecord) *Message {
	return &Message{
		Header: Header{
			ID:      query.Header.ID,
			Flags:   flags,
			QDCount: query.Header.QDCount,
			ANCount: uint16(len(answers)),
			NSCount: uint16(len(authorities)),
			ARCount: uint16(len(additionals)),
		},
		Questions:   append([]Question{}, query.Questions...),
		Answers:     answers,
		Authorities: authorities,
		Additionals: additionals,
	}
}

// Decode decodes a message from raw bytes using a fresh [*Cursor].
func Decode(raw []byte) (*Message, error) {
	return DecodeMessage(NewCursor(raw))
}

// DecodeMessage decodes a message starting at the cursor position.
func DecodeMessage(c *Cursor) (*Message, error) {
	msg := &Message{}

	// 1. header
	for _, field := range []*uint16{
		&msg.Header.ID, &msg.Header.Flags, &msg.Header.QDCount,
		&msg.Header.ANCount, &msg.Header.NSCount, &msg.Header.ARCount,
	} {
		v, err := c.DecodeU16()
		if err != nil {
			return nil, fmt.Errorf("header: %w", err)
		}
		*field = v
	}

	// 2. questions
	for range msg.Header.QDCount {
		q, err := decodeQuestion(c)
		if err != nil {
			return nil, fmt.Errorf("question: %w", err)
		}
		msg.Questions = append(msg.Questions, q)
	}

	// 3. answer, authority and additional sections
	var err error
	if msg.Answers, err = decodeSection(c, msg.Header.ANCount); err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	if msg.Authorities, err = decodeSection(c, msg.Header.NSCount); err != nil {
		return nil, fmt.Errorf("authority: %w", err)
	}
	if msg.Additionals, err = decodeSection(c, msg.Header.ARCount); err != nil {
		return nil, fmt.Errorf("additional: %w", err)
	}
	return msg, nil
}

func decodeQuestion(c *Cursor) (Question, error) {
	name, err := DecodeName(c)
	if err != nil {
		return Question{}, err
	}
	qtype, err := c.DecodeU16()
	if err != nil {
		return Question{}, err
	}
	qclass, err := c.DecodeU16()
	if err != nil {
		return Question{}, err
	}
	return Question{Name: name, Type: qtype, Class: qclass}, nil
}

func decodeSection(c *Cursor, count uint16) ([]ResourceRecord, error) {
	var out []ResourceRecord
	for range count {
		rr, err := DecodeResourceRecord(c)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, nil
}

// DecodeResourceRecord decodes a single resource record.
func DecodeResourceRecord(c *Cursor) (ResourceRecord, error) {
	var (
		rr  ResourceRecord
		err error
	)
	if rr.Name, err = DecodeName(c); err != nil {
		return rr, err
	}
	if rr.Type, err = c.DecodeU16(); err != nil {
		return rr, err
	}
	if rr.Class, err = c.DecodeU16(); err != nil {
		return rr, err
	}
	if rr.TTL, err = c.DecodeU32(); err != nil {
		return rr, err
	}
	if rr.RDLength, err = c.DecodeU16(); err != nil {
		return rr, err
	}
	if rr.Data, err = DecodeRdata(c, rr.Type, rr.RDLength); err != nil {
		return rr, err
	}
	return rr, nil
}

// Encode serializes the message without name compression.
//
// The header counts must match the number of questions and records.
func (m *Message) Encode() ([]byte, error) {
	w := NewWriter()
	if err := m.EncodeTo(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeTo is like [*Message.Encode] but appends to the given writer.
func (m *Message) EncodeTo(w *Writer) error {
	if err := m.checkCounts(); err != nil {
		return err
	}

	w.EncodeU16(m.Header.ID)
	w.EncodeU16(m.Header.Flags)
	w.EncodeU16(m.Header.QDCount)
	w.EncodeU16(m.Header.ANCount)
	w.EncodeU16(m.Header.NSCount)
	w.EncodeU16(m.Header.ARCount)

	for _, q := range m.Questions {
		if err := EncodeName(w, q.Name); err != nil {
			return err
		}
		w.EncodeU16(q.Type)
		w.EncodeU16(q.Class)
	}
	for _, section := range [][]ResourceRecord{m.Answers, m.Authorities, m.Additionals} {
		for _, rr := range section {
			if err := encodeResourceRecord(w, rr); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Message) checkCounts() error {
	counts := []struct {
		section string
		header  uint16
		actual  int
	}{
		{"question", m.Header.QDCount, len(m.Questions)},
		{"answer", m.Header.ANCount, len(m.Answers)},
		{"authority", m.Header.NSCount, len(m.Authorities)},
		{"additional", m.Header.ARCount, len(m.Additionals)},
	}
	for _, entry := range counts {
		if int(entry.header) != entry.actual {
			return fmt.Errorf("%w: %s count is %d, section has %d",
				ErrCountMismatch, entry.section, entry.header, entry.actual)
		}
	}
	return nil
}

// encodeResourceRecord appends rr computing the rdlength from the encoded rdata.
func encodeResourceRecord(w *Writer, rr ResourceRecord) error {
	if rr.Data == nil {
		return fmt.Errorf("%w: %s without rdata", ErrUnsupportedRdata, typeString(rr.Type))
	}
	rdw := NewWriter()
	rdw.Logger = w.Logger
	if err := rr.Data.encode(rdw); err != nil {
		return err
	}
	if rdw.Len() > math.MaxUint16 {
		return fmt.Errorf("%w: rdata too long", ErrUnsupportedRdata)
	}
	if err := EncodeName(w, rr.Name); err != nil {
		return err
	}
	w.EncodeU16(rr.Type)
	w.EncodeU16(rr.Class)
	w.EncodeU32(rr.TTL)
	w.EncodeU16(uint16(rdw.Len()))
	w.EncodeBytes(rdw.Bytes())
	return nil
}

// Question0 returns the first question, if any.
func (m *Message) Question0() (Question, bool) {
	if len(m.Questions) < 1 {
		return Question{}, false
	}
	return m.Questions[0], true
}

// QueryName returns the name of the first question or the empty string.
func (m *Message) QueryName() string {
	q0, _ := m.Question0()
	return q0.Name.Name
}

// QueryType returns the type of the first question or zero.
func (m *Message) QueryType() uint16 {
	q0, _ := m.Question0()
	return q0.Type
}

// RetrieveAnswers returns, in encounter order, the [Rdata.Info] of the
// answer records whose owner name is exactly name and whose type is qtype.
func (m *Message) RetrieveAnswers(name string, qtype uint16) []string {
	out := []string{}
	for _, rr := range m.Answers {
		if rr.Data == nil || rr.Name.Name != name || rr.Type != qtype {
			continue
		}
		out = append(out, rr.Data.Info())
	}
	return out
}

// IsResponse tells whether the QR bit is set.
func (m *Message) IsResponse() bool {
	return m.Header.Flags&FlagResponse != 0
}

// IsAuthoritative tells whether the AA bit is set.
func (m *Message) IsAuthoritative() bool {
	return m.Header.Flags&FlagAuthoritative != 0
}

// IsRcodeZero tells whether all the RCODE bits are zero.
func (m *Message) IsRcodeZero() bool {
	return m.Header.Flags&maskRcode == 0
}
