// SPDX-License-Identifier: GPL-3.0-or-later

package dnswire

import (
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueryEncode(t *testing.T) {
	query := NewQuery("www.uwo.ca", 0x1234, dns.TypeA)
	raw, err := query.Encode()
	require.NoError(t, err)

	expect := []byte{
		0x12, 0x34, // id
		0x00, 0x00, // flags
		0x00, 0x01, // qdcount
		0x00, 0x00, // ancount
		0x00, 0x00, // nscount
		0x00, 0x00, // arcount
		3, 'w', 'w', 'w', 3, 'u', 'w', 'o', 2, 'c', 'a', 0,
		0x00, 0x01, // qtype
		0x00, 0x01, // qclass
	}
	assert.Equal(t, expect, raw)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), decoded.Header.ID)
	assert.Equal(t, "www.uwo.ca", decoded.QueryName())
	assert.Equal(t, uint16(dns.TypeA), decoded.QueryType())
	assert.False(t, decoded.IsResponse())
	assert.Empty(t, decoded.Answers)
}

func TestNewQueryInteropWithMiekg(t *testing.T) {
	raw, err := NewQuery("www.uwo.ca", 0x1234, dns.TypeAAAA).Encode()
	require.NoError(t, err)

	msg := &dns.Msg{}
	require.NoError(t, msg.Unpack(raw))
	assert.Equal(t, uint16(0x1234), msg.Id)
	assert.False(t, msg.Response)
	require.Len(t, msg.Question, 1)
	assert.Equal(t, "www.uwo.ca.", msg.Question[0].Name)
	assert.Equal(t, dns.TypeAAAA, msg.Question[0].Qtype)
	assert.Equal(t, uint16(dns.ClassINET), msg.Question[0].Qclass)
}

func TestDecodePointerToQuestion(t *testing.T) {
	raw := []byte{
		0x00, 0x01, 0x84, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
		3, 'w', 'w', 'w', 3, 'u', 'w', 'o', 2, 'c', 'a', 0,
		0x00, 0x01, 0x00, 0x01,
		0xC0, 0x0C, // pointer to the question name
		0x00, 0x01, 0x00, 0x01,
		0x00, 0x00, 0x0e, 0x10, // ttl 3600
		0x00, 0x04, 10, 0, 0, 1,
	}

	msg, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, msg.Answers, 1)
	answer := msg.Answers[0]
	assert.Equal(t, DomainName{Name: "www.uwo.ca", Kind: NamePointer, Target: 12}, answer.Name)
	assert.Equal(t, uint32(3600), answer.TTL)
	assert.Equal(t, uint16(4), answer.RDLength)
	assert.Equal(t, []string{"10.0.0.1"}, msg.RetrieveAnswers("www.uwo.ca", dns.TypeA))
	assert.True(t, msg.IsResponse())
	assert.True(t, msg.IsAuthoritative())
	assert.True(t, msg.IsRcodeZero())
}

// newMiekgResponse builds a response exercising every section.
func newMiekgResponse(t *testing.T, compress bool) []byte {
	t.Helper()
	query := &dns.Msg{}
	query.SetQuestion("www.uwo.ca.", dns.TypeA)
	query.Id = 0xBEEF

	resp := &dns.Msg{}
	resp.SetReply(query)
	resp.Authoritative = true
	resp.Compress = compress

	hdr := func(name string, rrtype uint16) dns.RR_Header {
		return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: 300}
	}
	resp.Answer = []dns.RR{
		&dns.A{Hdr: hdr("www.uwo.ca.", dns.TypeA), A: net.IPv4(129, 100, 2, 12)},
		&dns.A{Hdr: hdr("www.uwo.ca.", dns.TypeA), A: net.IPv4(129, 100, 2, 13)},
		&dns.AAAA{Hdr: hdr("www.uwo.ca.", dns.TypeAAAA), AAAA: net.ParseIP("2001:db8::1")},
		&dns.MX{Hdr: hdr("www.uwo.ca.", dns.TypeMX), Preference: 10, Mx: "mail.uwo.ca."},
	}
	resp.Ns = []dns.RR{
		&dns.NS{Hdr: hdr("uwo.ca.", dns.TypeNS), Ns: "ns1.uwo.ca."},
		&dns.SOA{
			Hdr:     hdr("uwo.ca.", dns.TypeSOA),
			Ns:      "ns1.uwo.ca.",
			Mbox:    "hostmaster.uwo.ca.",
			Serial:  2026101701,
			Refresh: 3600,
			Retry:   600,
			Expire:  604800,
			Minttl:  300,
		},
	}
	resp.Extra = []dns.RR{
		&dns.A{Hdr: hdr("ns1.uwo.ca.", dns.TypeA), A: net.IPv4(10, 0, 0, 53)},
	}

	raw, err := resp.Pack()
	require.NoError(t, err)
	return raw
}

func TestDecodeMiekgResponse(t *testing.T) {
	msg, err := Decode(newMiekgResponse(t, true))
	require.NoError(t, err)

	assert.Equal(t, uint16(0xBEEF), msg.Header.ID)
	assert.True(t, msg.IsResponse())
	assert.True(t, msg.IsAuthoritative())
	assert.True(t, msg.IsRcodeZero())
	assert.Equal(t, "www.uwo.ca", msg.QueryName())

	require.Len(t, msg.Answers, 4)
	require.Len(t, msg.Authorities, 2)
	require.Len(t, msg.Additionals, 1)

	// compressed owner names point back to the question
	assert.Equal(t, NamePointer, msg.Answers[0].Name.Kind)
	assert.Equal(t, 12, msg.Answers[0].Name.Target)

	assert.Equal(t, []string{"129.100.2.12", "129.100.2.13"}, msg.RetrieveAnswers("www.uwo.ca", dns.TypeA))
	assert.Equal(t, []string{"2001:db8:0:0:0:0:0:1"}, msg.RetrieveAnswers("www.uwo.ca", dns.TypeAAAA))
	assert.Equal(t, []string{"mail.uwo.ca"}, msg.RetrieveAnswers("www.uwo.ca", dns.TypeMX))

	ns := msg.Authorities[0].Data.(*RdataNS)
	assert.Equal(t, "ns1.uwo.ca", ns.Host.Name)
	soa := msg.Authorities[1].Data.(*RdataSOA)
	assert.Equal(t, "ns1.uwo.ca", soa.MName.Name)
	assert.Equal(t, "hostmaster.uwo.ca", soa.RName.Name)
	assert.Equal(t, uint32(2026101701), soa.Serial)
	assert.Equal(t, uint32(300), soa.Minimum)

	assert.Equal(t, "ns1.uwo.ca", msg.Additionals[0].Name.Name)
	assert.Equal(t, "10.0.0.53", msg.Additionals[0].Data.Info())
}

func TestDecodeCompressedEqualsUncompressed(t *testing.T) {
	compressed, err := Decode(newMiekgResponse(t, true))
	require.NoError(t, err)
	plain, err := Decode(newMiekgResponse(t, false))
	require.NoError(t, err)

	summarize := func(msg *Message) []string {
		var out []string
		for _, q := range msg.Questions {
			out = append(out, q.Name.Name)
		}
		for _, section := range [][]ResourceRecord{msg.Answers, msg.Authorities, msg.Additionals} {
			for _, rr := range section {
				out = append(out, rr.Name.Name+" "+typeString(rr.Type)+" "+rr.Data.Info())
			}
		}
		return out
	}
	assert.Equal(t, summarize(plain), summarize(compressed))
	assert.Equal(t, plain.Header, compressed.Header)
}

func TestNewResponseInteropWithMiekg(t *testing.T) {
	query := NewQuery("www.uwo15.ca", 0x4242, dns.TypeA)
	answer := NewARecord("www.uwo15.ca", dns.ClassINET, 3600, "192.0.2.7")
	resp := NewResponse(query, FlagResponse|FlagAuthoritative, []ResourceRecord{answer}, nil, nil)
	raw, err := resp.Encode()
	require.NoError(t, err)

	msg := &dns.Msg{}
	require.NoError(t, msg.Unpack(raw))
	assert.Equal(t, uint16(0x4242), msg.Id)
	assert.True(t, msg.Response)
	assert.True(t, msg.Authoritative)
	assert.Equal(t, dns.RcodeSuccess, msg.Rcode)
	require.Len(t, msg.Question, 1)
	assert.Equal(t, "www.uwo15.ca.", msg.Question[0].Name)
	require.Len(t, msg.Answer, 1)
	a := msg.Answer[0].(*dns.A)
	assert.Equal(t, "192.0.2.7", a.A.String())
	assert.Equal(t, uint32(3600), a.Hdr.Ttl)
	assert.Equal(t, "www.uwo15.ca.", a.Hdr.Name)
}

func TestMessageEncodeErrors(t *testing.T) {
	type testCase struct {
		// name is the subtest name.
		name string

		// msg is the message to encode.
		msg *Message

		// wantErr is the expected error.
		wantErr error
	}

	query := NewQuery("www.uwo.ca", 1, dns.TypeA)

	tests := []testCase{
		{
			name: "answer count mismatch",
			msg: &Message{
				Header:    Header{QDCount: 1, ANCount: 2},
				Questions: query.Questions,
				Answers:   []ResourceRecord{NewARecord("www.uwo.ca", dns.ClassINET, 1, "10.0.0.1")},
			},
			wantErr: ErrCountMismatch,
		},

		{
			name:    "question count mismatch",
			msg:     &Message{Header: Header{QDCount: 0}, Questions: query.Questions},
			wantErr: ErrCountMismatch,
		},

		{
			name: "unsupported rdata",
			msg: NewResponse(query, FlagResponse, []ResourceRecord{{
				Name:  NewDomainName("www.uwo.ca"),
				Type:  dns.TypeMX,
				Class: dns.ClassINET,
				Data:  &RdataMX{Preference: 10, Exchange: NewDomainName("mail.uwo.ca")},
			}}, nil, nil),
			wantErr: ErrUnsupportedRdata,
		},

		{
			name: "missing rdata",
			msg: NewResponse(query, FlagResponse, []ResourceRecord{{
				Name: NewDomainName("www.uwo.ca"),
				Type: dns.TypeA,
			}}, nil, nil),
			wantErr: ErrUnsupportedRdata,
		},

		{
			name:    "label too long",
			msg:     NewQuery(strings.Repeat("x", 64)+".ca", 1, dns.TypeA),
			wantErr: ErrLabelTooLong,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.msg.Encode()
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestDecodeTruncatedMessage(t *testing.T) {
	query := NewQuery("www.uwo.ca", 7, dns.TypeA)
	resp := NewResponse(query, FlagResponse|FlagAuthoritative, []ResourceRecord{
		NewARecord("www.uwo.ca", dns.ClassINET, 3600, "10.0.0.1"),
	}, nil, nil)
	raw, err := resp.Encode()
	require.NoError(t, err)

	for size := range len(raw) {
		_, err := Decode(raw[:size])
		require.ErrorIs(t, err, ErrTruncatedMessage, "size %d", size)
	}
}

func TestRetrieveAnswers(t *testing.T) {
	query := NewQuery("www.uwo.ca", 7, dns.TypeA)
	resp := NewResponse(query, FlagResponse, []ResourceRecord{
		NewARecord("www.uwo.ca", dns.ClassINET, 1, "10.0.0.1"),
		NewARecord("other.uwo.ca", dns.ClassINET, 1, "10.0.0.2"),
		{Name: NewDomainName("www.uwo.ca"), Type: dns.TypeCNAME, Data: &RdataCNAME{Target: NewDomainName("x.uwo.ca")}},
		NewARecord("www.uwo.ca", dns.ClassINET, 1, "10.0.0.3"),
	}, nil, nil)

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, resp.RetrieveAnswers("www.uwo.ca", dns.TypeA))
	assert.Equal(t, []string{"x.uwo.ca"}, resp.RetrieveAnswers("www.uwo.ca", dns.TypeCNAME))

	// matching is exact, so case differences do not match
	got := resp.RetrieveAnswers("WWW.uwo.ca", dns.TypeA)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMessageFlags(t *testing.T) {
	type testCase struct {
		// flags is the header flags word.
		flags uint16

		// response, authoritative and rcodeZero are the expected predicates.
		response      bool
		authoritative bool
		rcodeZero     bool
	}

	tests := []testCase{
		{flags: 0x0000, response: false, authoritative: false, rcodeZero: true},
		{flags: 0x8000, response: true, authoritative: false, rcodeZero: true},
		{flags: 0x8400, response: true, authoritative: true, rcodeZero: true},
		{flags: 0x8403, response: true, authoritative: true, rcodeZero: false},
		{flags: 0x8180, response: true, authoritative: false, rcodeZero: true},
		{flags: 0x0401, response: false, authoritative: true, rcodeZero: false},
	}

	for _, tc := range tests {
		t.Run(strconv.FormatUint(uint64(tc.flags), 16), func(t *testing.T) {
			msg := &Message{Header: Header{Flags: tc.flags}}
			assert.Equal(t, tc.response, msg.IsResponse())
			assert.Equal(t, tc.authoritative, msg.IsAuthoritative())
			assert.Equal(t, tc.rcodeZero, msg.IsRcodeZero())
		})
	}
}

// randomName returns a name with one to four lowercase labels.
func randomName(rng *rand.Rand) string {
	labels := make([]string, 1+rng.IntN(4))
	for idx := range labels {
		var sb strings.Builder
		for range 1 + rng.IntN(10) {
			sb.WriteByte(byte('a' + rng.IntN(26)))
		}
		labels[idx] = sb.String()
	}
	return strings.Join(labels, ".")
}

// randomRecord returns an A, AAAA, NS or CNAME record with random content.
func randomRecord(rng *rand.Rand) ResourceRecord {
	rr := ResourceRecord{
		Name:  NewDomainName(randomName(rng)),
		Class: uint16(rng.Uint32()),
		TTL:   rng.Uint32(),
	}
	switch rng.IntN(4) {
	case 0:
		rr.Type = dns.TypeA
		rr.Data = NewRdataA(strings.Join([]string{
			strconv.Itoa(rng.IntN(256)), strconv.Itoa(rng.IntN(256)),
			strconv.Itoa(rng.IntN(256)), strconv.Itoa(rng.IntN(256)),
		}, "."))
	case 1:
		groups := make([]string, 8)
		for idx := range groups {
			groups[idx] = strconv.FormatUint(uint64(rng.IntN(1<<16)), 16)
		}
		rr.Type = dns.TypeAAAA
		rr.Data = &RdataAAAA{Addr: strings.Join(groups, ":")}
	case 2:
		rr.Type = dns.TypeNS
		rr.Data = &RdataNS{Host: NewDomainName(randomName(rng))}
	default:
		rr.Type = dns.TypeCNAME
		rr.Data = &RdataCNAME{Target: NewDomainName(randomName(rng))}
	}
	return rr
}

func TestMessageRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(20261017, 1035))

	section := func() []ResourceRecord {
		var out []ResourceRecord
		for range rng.IntN(4) {
			out = append(out, randomRecord(rng))
		}
		return out
	}

	for iteration := range 200 {
		query := NewQuery(randomName(rng), uint16(rng.Uint32()), uint16(1+rng.IntN(255)))
		orig := NewResponse(query, uint16(rng.Uint32()), section(), section(), section())

		raw, err := orig.Encode()
		require.NoError(t, err, iteration)
		decoded, err := Decode(raw)
		require.NoError(t, err, iteration)

		assert.Equal(t, orig.Header, decoded.Header, iteration)
		require.Len(t, decoded.Questions, 1, iteration)
		assert.Equal(t, orig.Questions[0], decoded.Questions[0], iteration)

		origSections := [][]ResourceRecord{orig.Answers, orig.Authorities, orig.Additionals}
		gotSections := [][]ResourceRecord{decoded.Answers, decoded.Authorities, decoded.Additionals}
		for sidx := range origSections {
			require.Len(t, gotSections[sidx], len(origSections[sidx]), iteration)
			for ridx, want := range origSections[sidx] {
				got := gotSections[sidx][ridx]
				assert.Equal(t, want.Name.Name, got.Name.Name, iteration)
				assert.Equal(t, want.Type, got.Type, iteration)
				assert.Equal(t, want.Class, got.Class, iteration)
				assert.Equal(t, want.TTL, got.TTL, iteration)
				assert.Equal(t, want.Data.Info(), got.Data.Info(), iteration)
				assert.IsType(t, want.Data, got.Data, iteration)
			}
		}
	}
}
