package storage

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// defaultResolverAddr is the systemd-resolved stub listener.
const defaultResolverAddr = "127.0.0.53:53"

// EndpointResolver resolves backend endpoints published as DNS SRV records.
// Deployments that front their object stores with service discovery set the
// srv=true query parameter on a backend URI; the factory then replaces the
// URI host with the first healthy SRV target.
type EndpointResolver struct {
	resolverAddr string
}

// NewEndpointResolver creates a resolver querying resolverAddr, falling back
// to the local stub resolver when empty.
func NewEndpointResolver(resolverAddr string) *EndpointResolver {
	if resolverAddr == "" {
		resolverAddr = defaultResolverAddr
	}
	return &EndpointResolver{resolverAddr: resolverAddr}
}

// Resolve looks up SRV records for name and returns host:port endpoints in
// record order.
func (r *EndpointResolver) Resolve(name string) ([]string, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{
		Name:   dns.Fqdn(name),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	c := new(dns.Client)
	in, _, err := c.Exchange(m, r.resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %s failed: %w", name, err)
	}

	endpoints := make([]string, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			endpoints = append(endpoints, fmt.Sprintf("%s:%d", strings.TrimSuffix(srv.Target, "."), srv.Port))
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no SRV records found for %s", name)
	}
	return endpoints, nil
}
