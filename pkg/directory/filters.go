/* pkg/directory/filters.go */

package directory

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// CombineFilters joins the non-empty filters into one conjunctive (AND)
// expression. Filters missing their outer parentheses are wrapped first.
func CombineFilters(filters ...string) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.HasPrefix(f, "(") {
			f = "(" + f + ")"
		}
		parts = append(parts, f)
	}

	switch len(parts) {
	case 0:
		return "(objectClass=*)"
	case 1:
		return parts[0]
	default:
		return "(&" + strings.Join(parts, "") + ")"
	}
}

// ExtractCN returns the value of the leading CN component of a DN, e.g.
// "DevOps" from "CN=DevOps,OU=Groups,DC=example,DC=com". Returns "" when the
// leading component is not a CN.
func ExtractCN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err == nil && len(parsed.RDNs) > 0 && len(parsed.RDNs[0].Attributes) > 0 {
		attr := parsed.RDNs[0].Attributes[0]
		if strings.EqualFold(attr.Type, "cn") {
			return attr.Value
		}
		return ""
	}

	// Fall back to plain splitting for values that are not strictly valid DNs.
	head := dn
	if i := strings.Index(dn, ","); i >= 0 {
		head = dn[:i]
	}
	head = strings.TrimSpace(head)
	if len(head) > 3 && strings.EqualFold(head[:3], "cn=") {
		return head[3:]
	}
	return ""
}

// LeadingRDNValue returns the value of the leading RDN of a DN regardless of
// its attribute type ("alice" from "uid=alice,ou=People,dc=example,dc=com").
// Values that do not parse as DNs are returned as-is, which covers servers
// that store plain usernames in membership attributes.
func LeadingRDNValue(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err == nil && len(parsed.RDNs) > 0 && len(parsed.RDNs[0].Attributes) > 0 {
		return parsed.RDNs[0].Attributes[0].Value
	}

	head := dn
	if i := strings.Index(dn, ","); i >= 0 {
		head = dn[:i]
	}
	head = strings.TrimSpace(head)
	if i := strings.Index(head, "="); i >= 0 {
		return head[i+1:]
	}
	return head
}

// EscapeFilter escapes a value for safe interpolation into a search filter.
func EscapeFilter(value string) string {
	return ldap.EscapeFilter(value)
}
