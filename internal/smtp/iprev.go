package smtp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"

	"github.com/emersion/go-msgauth/authres"
)

// maxIPRevNames bounds the forward lookups made for one client.
const maxIPRevNames = 10

type (
	addrLookup func(ctx context.Context, addr string) ([]string, error)
	ipLookup   func(ctx context.Context, network, host string) ([]netip.Addr, error)
)

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// checkIPRev runs the iprev check (RFC 8601 Section 3): the client passes
// when one of its PTR names resolves back to its address. The first PTR
// name is returned for the Received field whatever the result.
func checkIPRev(ctx context.Context, lookupAddr addrLookup, lookupIP ipLookup, remote netip.Addr) (string, authres.ResultValue) {
	names, err := lookupAddr(ctx, remote.String())
	if err != nil {
		if isNotFound(err) {
			return "", authres.ResultFail
		}
		return "", authres.ResultTempError
	}
	if len(names) == 0 {
		return "", authres.ResultFail
	}
	rdns := strings.TrimSuffix(names[0], ".")
	if len(names) > maxIPRevNames {
		names = names[:maxIPRevNames]
	}

	remote = remote.Unmap()
	tempErr := false
	for _, name := range names {
		addrs, err := lookupIP(ctx, "ip", name)
		if err != nil {
			if !isNotFound(err) {
				tempErr = true
			}
			continue
		}
		for _, a := range addrs {
			if a.Unmap() == remote {
				return strings.TrimSuffix(name, "."), authres.ResultPass
			}
		}
	}
	if tempErr {
		return rdns, authres.ResultTempError
	}
	return rdns, authres.ResultFail
}
