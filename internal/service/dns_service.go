package service

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
)

const dnsRecordTTL = 60

// DNSService binds subdomains of the managed zone to server addresses
type DNSService struct {
	zone     client.DNSZone
	resolver string
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewDNSService creates a DNS reconciler. resolver is a host:port used by
// Resolves; timeout bounds each resolver query.
func NewDNSService(zone client.DNSZone, resolver string, timeout time.Duration) *DNSService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSService{
		zone:     zone,
		resolver: resolver,
		timeout:  timeout,
		logger:   log.WithComponent("dns"),
	}
}

// CreateRecord creates an A or AAAA record for name. The returned record
// always carries an id and a name.
func (s *DNSService) CreateRecord(ctx context.Context, name, ip string) (*client.DNSRecord, error) {
	recordType, err := recordTypeFor(ip)
	if err != nil {
		return nil, err
	}

	fqdn := s.FQDN(name)
	rec, err := s.zone.CreateRecord(ctx, client.DNSRecord{Type: recordType, Name: fqdn, Content: ip, TTL: dnsRecordTTL})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDNS, err)
	}
	if err := checkRecord(rec); err != nil {
		return nil, err
	}

	s.logger.Info().Str("record_id", rec.ID).Str("name", rec.Name).Str("ip", ip).Msg("DNS record created")
	return rec, nil
}

// UpdateRecord points an existing record at ip
func (s *DNSService) UpdateRecord(ctx context.Context, id, name, ip string) (*client.DNSRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: record id is empty", ErrDNS)
	}
	recordType, err := recordTypeFor(ip)
	if err != nil {
		return nil, err
	}

	rec, err := s.zone.UpdateRecord(ctx, client.DNSRecord{ID: id, Type: recordType, Name: s.FQDN(name), Content: ip, TTL: dnsRecordTTL})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDNS, err)
	}
	if err := checkRecord(rec); err != nil {
		return nil, err
	}

	s.logger.Info().Str("record_id", rec.ID).Str("name", rec.Name).Str("ip", ip).Msg("DNS record updated")
	return rec, nil
}

// DeleteRecord removes a record. Deleting an unknown record is an error here.
func (s *DNSService) DeleteRecord(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: record id is empty", ErrDNS)
	}
	if err := s.zone.DeleteRecord(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", ErrDNS, err)
	}
	s.logger.Info().Str("record_id", id).Msg("DNS record deleted")
	return nil
}

// FQDN appends the zone suffix to name unless it is already there
func (s *DNSService) FQDN(name string) string {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	zone := strings.ToLower(s.zone.Zone())
	if name == zone || strings.HasSuffix(name, "."+zone) {
		return name
	}
	return name + "." + zone
}

// Resolves reports whether host currently resolves to ip at the configured
// resolver. Used to verify propagation, never for state transitions.
func (s *DNSService) Resolves(ctx context.Context, host, ip string) (bool, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, fmt.Errorf("invalid ip %q: %w", ip, err)
	}

	qtype := dns.TypeA
	if addr.Is6() && !addr.Is4In6() {
		qtype = dns.TypeAAAA
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	c := &dns.Client{Net: "udp", Timeout: s.timeout}
	in, _, err := c.ExchangeContext(ctx, m, s.resolver)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", host, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return false, nil
	}

	for _, rr := range in.Answer {
		var got netip.Addr
		switch v := rr.(type) {
		case *dns.A:
			got, _ = netip.AddrFromSlice(v.A.To4())
		case *dns.AAAA:
			got, _ = netip.AddrFromSlice(v.AAAA)
		default:
			continue
		}
		if got.Unmap() == addr.Unmap() {
			return true, nil
		}
	}
	return false, nil
}

func recordTypeFor(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ip %q", ErrDNS, ip)
	}
	if addr.Is4() || addr.Is4In6() {
		return "A", nil
	}
	return "AAAA", nil
}

func checkRecord(rec *client.DNSRecord) error {
	if rec == nil || rec.ID == "" || rec.Name == "" {
		return fmt.Errorf("%w: %w", ErrDNS, ErrDNSRecordInvalid)
	}
	return nil
}
