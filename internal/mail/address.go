package mail

import (
	"strings"
	"unicode"

	gomail "github.com/emersion/go-message/mail"
)

// ParseAddress splits a header value such as `Alice Smith <alice@example.com>`
// into display name and address. Unparseable input is returned as the address.
func ParseAddress(v string) (name, address string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", ""
	}
	addr, err := gomail.ParseAddress(v)
	if err != nil {
		if list, lerr := gomail.ParseAddressList(v); lerr == nil && len(list) > 0 {
			return strings.TrimSpace(list[0].Name), strings.ToLower(list[0].Address)
		}
		return "", strings.ToLower(strings.Trim(v, "<> "))
	}
	return strings.TrimSpace(addr.Name), strings.ToLower(addr.Address)
}

// AddressList returns the bare addresses of a comma separated header value.
func AddressList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	list, err := gomail.ParseAddressList(v)
	if err != nil {
		return splitAddrs(v)
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, strings.ToLower(a.Address))
		}
	}
	return out
}

// Participant derives the name a person goes by from a From/To value: the
// display name if present, otherwise the capitalized local part of the address.
func Participant(v string) string {
	name, address := ParseAddress(v)
	if name != "" {
		return name
	}
	local := address
	if at := strings.IndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}

	words := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || unicode.IsDigit(r)
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Domain returns the lower-cased domain part of an address.
func Domain(address string) string {
	if at := strings.LastIndexByte(address, '@'); at >= 0 {
		return strings.ToLower(address[at+1:])
	}
	return ""
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.Trim(strings.TrimSpace(p), "<>")
		if trimmed != "" {
			result = append(result, strings.ToLower(trimmed))
		}
	}
	return result
}
