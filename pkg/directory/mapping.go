/* pkg/directory/mapping.go */

package directory

import "github.com/go-ldap/ldap/v3"

// mapUserEntry normalizes one search entry into a canonical User using the
// configured attribute aliases. Group membership comes from the memberOf
// values, keeping the leading CN of each DN.
func mapUserEntry(e *ldap.Entry, attrs UserAttributes) User {
	raw := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		raw[a.Name] = a.Values
	}

	memberOf := e.GetAttributeValues(attrs.MemberOf)
	groups := make([]string, 0, len(memberOf))
	for _, dn := range memberOf {
		if cn := ExtractCN(dn); cn != "" {
			groups = append(groups, cn)
		}
	}

	return User{
		ID:          e.GetAttributeValue(attrs.ID),
		Email:       e.GetAttributeValue(attrs.Email),
		DisplayName: e.GetAttributeValue(attrs.DisplayName),
		Groups:      groups,
		DN:          e.DN,
		Raw:         raw,
	}
}

// mapGroupEntry normalizes one search entry into a canonical Group. Member
// values are kept verbatim (typically DNs); callers normalize as needed.
func mapGroupEntry(e *ldap.Entry, attrs GroupAttributes) Group {
	raw := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		raw[a.Name] = a.Values
	}

	return Group{
		Name:        e.GetAttributeValue(attrs.Name),
		Description: e.GetAttributeValue(attrs.Description),
		Members:     e.GetAttributeValues(attrs.Member),
		DN:          e.DN,
		Raw:         raw,
	}
}
