package server

import (
	"fmt"
	"regexp"
	"strings"
)

// RFC 5322 compliant email validation regex
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// NullSenderKey is the lookup key Postfix uses for the null sender.
const NullSenderKey = "<>"

type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

// NewAddress parses and validates an envelope address. The address is
// lower-cased; "+detail" is split off the local part.
func NewAddress(input string) (Address, error) {
	input = strings.ToLower(strings.TrimSpace(input))

	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}
	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}

	at := strings.LastIndexByte(input, '@')
	if at < 0 {
		return Address{}, fmt.Errorf("address missing @: '%s'", input)
	}
	localPart := input[:at]
	domain := input[at+1:]

	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	detail := ""
	if plusIndex := strings.Index(localPart, "+"); plusIndex != -1 {
		detail = localPart[plusIndex+1:]
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

// BaseLocalPart returns the local part without the detail (everything before the "+")
func (a Address) BaseLocalPart() string {
	if plusIndex := strings.Index(a.localPart, "+"); plusIndex != -1 {
		return a.localPart[:plusIndex]
	}
	return a.localPart
}

// BaseAddress returns the address without the detail part (e.g., "user@domain.com" from "user+detail@domain.com")
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}

// LookupKeys returns the access(5) lookup keys for the address, most
// specific first:
//
//	user+detail@sub.example.com
//	user@sub.example.com
//	sub.example.com
//	example.com
//	com
//	user+detail@
//	user@
func (a Address) LookupKeys() []string {
	keys := []string{a.fullAddress}
	if a.detail != "" || strings.HasSuffix(a.localPart, "+") {
		keys = append(keys, a.BaseAddress())
	}
	keys = append(keys, DomainLookupKeys(a.domain)...)
	keys = append(keys, a.localPart+"@")
	if base := a.BaseLocalPart(); base != a.localPart {
		keys = append(keys, base+"@")
	}
	return keys
}

// DomainLookupKeys returns a hostname followed by its parent domains.
func DomainLookupKeys(name string) []string {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "" {
		return nil
	}
	keys := []string{name}
	for {
		dot := strings.IndexByte(name, '.')
		if dot < 0 || dot == len(name)-1 {
			return keys
		}
		name = name[dot+1:]
		keys = append(keys, name)
	}
}

// AddressLookupKeys returns the lookup keys for a raw envelope address. The
// null sender maps to NullSenderKey; an address that does not parse is looked
// up verbatim (lower-cased).
func AddressLookupKeys(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == NullSenderKey {
		return []string{NullSenderKey}
	}
	addr, err := NewAddress(raw)
	if err != nil {
		return []string{strings.ToLower(raw)}
	}
	return addr.LookupKeys()
}
