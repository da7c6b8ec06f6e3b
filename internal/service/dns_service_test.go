package service

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
)

type fakeZone struct {
	created []client.DNSRecord
	updated []client.DNSRecord
	deleted []string
	err     error
	blank   bool
}

func (z *fakeZone) Zone() string { return "vpn.example.com" }

func (z *fakeZone) CreateRecord(_ context.Context, rec client.DNSRecord) (*client.DNSRecord, error) {
	if z.err != nil {
		return nil, z.err
	}
	z.created = append(z.created, rec)
	if z.blank {
		return &client.DNSRecord{Type: rec.Type}, nil
	}
	rec.ID = "rec-1"
	return &rec, nil
}

func (z *fakeZone) UpdateRecord(_ context.Context, rec client.DNSRecord) (*client.DNSRecord, error) {
	if z.err != nil {
		return nil, z.err
	}
	z.updated = append(z.updated, rec)
	return &rec, nil
}

func (z *fakeZone) DeleteRecord(_ context.Context, id string) error {
	if z.err != nil {
		return z.err
	}
	z.deleted = append(z.deleted, id)
	return nil
}

func TestDNSCreateRecord(t *testing.T) {
	zone := &fakeZone{}
	svc := NewDNSService(zone, "", time.Second)

	rec, err := svc.CreateRecord(context.Background(), "nl-1", "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "nl-1.vpn.example.com", rec.Name)
	assert.Equal(t, "A", zone.created[0].Type)
	assert.Equal(t, dnsRecordTTL, zone.created[0].TTL)

	_, err = svc.CreateRecord(context.Background(), "nl-2.vpn.example.com.", "2001:db8::2")
	require.NoError(t, err)
	assert.Equal(t, "nl-2.vpn.example.com", zone.created[1].Name)
	assert.Equal(t, "AAAA", zone.created[1].Type)
}

func TestDNSCreateRecord_Rejections(t *testing.T) {
	zone := &fakeZone{}
	svc := NewDNSService(zone, "", time.Second)

	_, err := svc.CreateRecord(context.Background(), "nl-1", "999.1.1.1")
	assert.ErrorIs(t, err, ErrDNS)
	assert.Empty(t, zone.created, "invalid ip must not reach the API")

	zone.blank = true
	_, err = svc.CreateRecord(context.Background(), "nl-1", "203.0.113.7")
	assert.ErrorIs(t, err, ErrDNS)
	assert.ErrorIs(t, err, ErrDNSRecordInvalid)

	zone.blank = false
	zone.err = errors.New("API error (status 403): 10000: Authentication error")
	_, err = svc.CreateRecord(context.Background(), "nl-1", "203.0.113.7")
	assert.ErrorIs(t, err, ErrDNS)
}

func TestDNSUpdateAndDelete(t *testing.T) {
	zone := &fakeZone{}
	svc := NewDNSService(zone, "", time.Second)

	rec, err := svc.UpdateRecord(context.Background(), "rec-1", "nl-1", "203.0.113.8")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.8", rec.Content)
	assert.Equal(t, "nl-1.vpn.example.com", rec.Name)

	_, err = svc.UpdateRecord(context.Background(), "", "nl-1", "203.0.113.8")
	assert.ErrorIs(t, err, ErrDNS)

	require.NoError(t, svc.DeleteRecord(context.Background(), "rec-1"))
	assert.Equal(t, []string{"rec-1"}, zone.deleted)
	assert.ErrorIs(t, svc.DeleteRecord(context.Background(), ""), ErrDNS)
}

func startResolver(t *testing.T, answers map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			ip, ok := answers[q.Name]
			if !ok {
				m.Rcode = dns.RcodeNameError
			} else if q.Qtype == dns.TypeA {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip),
				})
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	<-started
	return pc.LocalAddr().String()
}

func TestDNSResolves(t *testing.T) {
	addr := startResolver(t, map[string]string{"nl-1.vpn.example.com.": "203.0.113.7"})
	svc := NewDNSService(&fakeZone{}, addr, 2*time.Second)

	ok, err := svc.Resolves(context.Background(), "nl-1.vpn.example.com", "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Resolves(context.Background(), "nl-1.vpn.example.com", "203.0.113.8")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Resolves(context.Background(), "missing.vpn.example.com", "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Resolves(context.Background(), "nl-1.vpn.example.com", "not-an-ip")
	assert.Error(t, err)
}
