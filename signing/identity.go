package signing

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
)

// Attribute is one subject attribute, e.g. {CN, "Dr. A. Mondal"}.
type Attribute struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Identity is the structured subject of a signer's certificate.
type Identity struct {
	Attributes []Attribute `json:"attributes"`
}

var attributeNames = map[string]string{
	"2.5.4.3":              "CN",
	"2.5.4.4":              "SN",
	"2.5.4.5":              "serialNumber",
	"2.5.4.6":              "C",
	"2.5.4.7":              "L",
	"2.5.4.8":              "ST",
	"2.5.4.9":              "STREET",
	"2.5.4.10":             "O",
	"2.5.4.11":             "OU",
	"2.5.4.12":             "title",
	"2.5.4.17":             "postalCode",
	"2.5.4.42":             "GN",
	"2.5.4.97":             "organizationIdentifier",
	"1.2.840.113549.1.9.1": "emailAddress",
}

func attributeName(oid asn1.ObjectIdentifier) string {
	if n, ok := attributeNames[oid.String()]; ok {
		return n
	}
	return oid.String()
}

// IdentityFromName returns the attributes of name in certificate order.
func IdentityFromName(name pkix.Name) Identity {
	id := Identity{Attributes: make([]Attribute, 0, len(name.Names))}
	for _, atv := range name.Names {
		id.Attributes = append(id.Attributes, Attribute{
			Type:  attributeName(atv.Type),
			Value: fmt.Sprint(atv.Value),
		})
	}
	return id
}

// Get returns the first value of the attribute typ.
func (id Identity) Get(typ string) (string, bool) {
	for _, a := range id.Attributes {
		if a.Type == typ {
			return a.Value, true
		}
	}
	return "", false
}

func (id Identity) String() string {
	parts := make([]string, 0, len(id.Attributes))
	for _, a := range id.Attributes {
		parts = append(parts, a.Type+"="+a.Value)
	}
	return strings.Join(parts, ", ")
}
