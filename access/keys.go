package access

import (
	"net/netip"
	"strconv"
	"strings"

	serverPkg "github.com/migadu/policyd/server"
	"github.com/migadu/policyd/server/policy"
)

// Check kinds. Each names the request attribute it looks up.
const (
	KindClient            = "client"
	KindClientName        = "client_name"
	KindReverseClientName = "reverse_client_name"
	KindHelo              = "helo"
	KindSASL              = "sasl"
	KindSender            = "sender"
	KindRecipient         = "recipient"
)

// Postfix sends "unknown" when a name could not be verified.
const unknownName = "unknown"

// LookupKeys returns the access table keys for one check, most specific
// first. It returns nil when the request carries nothing to look up for
// that kind, e.g. no recipient at the CONNECT stage.
func LookupKeys(kind string, req *policy.Request) []string {
	switch kind {
	case KindClient:
		return IPLookupKeys(req.ClientAddress())
	case KindClientName:
		return hostLookupKeys(req.ClientName())
	case KindReverseClientName:
		return hostLookupKeys(req.ReverseClientName())
	case KindHelo:
		return heloLookupKeys(req.HeloName())
	case KindSASL:
		if u := strings.ToLower(strings.TrimSpace(req.SASLUsername())); u != "" {
			return []string{u}
		}
		return nil
	case KindSender:
		// An absent sender is not the null sender.
		v, ok := req.Lookup(policy.AttrSender)
		if !ok {
			return nil
		}
		return serverPkg.AddressLookupKeys(v)
	case KindRecipient:
		if v := req.Recipient(); v != "" {
			return serverPkg.AddressLookupKeys(v)
		}
		return nil
	}
	return nil
}

func hostLookupKeys(name string) []string {
	if strings.EqualFold(name, unknownName) {
		return nil
	}
	return serverPkg.DomainLookupKeys(name)
}

// heloLookupKeys treats an address literal like a client address.
func heloLookupKeys(helo string) []string {
	helo = strings.TrimSpace(helo)
	if strings.HasPrefix(helo, "[") && strings.HasSuffix(helo, "]") {
		literal := strings.TrimPrefix(helo[1:len(helo)-1], "IPv6:")
		if keys := IPLookupKeys(literal); keys != nil {
			return keys
		}
	}
	if _, err := netip.ParseAddr(helo); err == nil {
		return IPLookupKeys(helo)
	}
	return serverPkg.DomainLookupKeys(helo)
}

// IPLookupKeys returns an address followed by its shorter network
// prefixes the way access(5) tables list them:
//
//	192.0.2.10, 192.0.2, 192.0, 192
//	2001:db8::1, 2001:db8:0:0:0:0:0, ..., 2001
func IPLookupKeys(addr string) []string {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return nil
	}
	ip = ip.Unmap().WithZone("")

	if ip.Is4() {
		b := ip.As4()
		parts := []string{
			strconv.Itoa(int(b[0])), strconv.Itoa(int(b[1])),
			strconv.Itoa(int(b[2])), strconv.Itoa(int(b[3])),
		}
		keys := make([]string, 0, 4)
		for n := 4; n > 0; n-- {
			keys = append(keys, strings.Join(parts[:n], "."))
		}
		return keys
	}

	b := ip.As16()
	parts := make([]string, 8)
	for i := range parts {
		parts[i] = strconv.FormatUint(uint64(b[2*i])<<8|uint64(b[2*i+1]), 16)
	}
	keys := make([]string, 0, 8)
	keys = append(keys, ip.String())
	for n := 7; n > 0; n-- {
		keys = append(keys, strings.Join(parts[:n], ":"))
	}
	return keys
}
