// Package businesscard defines the business information published for a
// directory participant and its XML and JSON encodings.
package businesscard

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DefaultParticipantScheme is assumed for participant ids without "::".
const DefaultParticipantScheme = "iso6523-actorid-upis"

// Identifier is a scheme-qualified identifier value.
type Identifier struct {
	Scheme string `xml:"scheme,attr" json:"scheme"`
	Value  string `xml:",chardata" json:"value"`
}

// String renders the identifier as "scheme::value".
func (id Identifier) String() string {
	if id.Scheme == "" {
		return id.Value
	}
	return id.Scheme + "::" + id.Value
}

// ParseParticipantID splits "scheme::value". A bare value gets the default
// scheme.
func ParseParticipantID(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identifier{}, fmt.Errorf("participant id is empty")
	}
	scheme, value, ok := strings.Cut(s, "::")
	if !ok {
		return Identifier{Scheme: DefaultParticipantScheme, Value: s}, nil
	}
	if scheme == "" || value == "" {
		return Identifier{}, fmt.Errorf("malformed participant id %q", s)
	}
	return Identifier{Scheme: scheme, Value: value}, nil
}

// Contact is a contact point of an entity.
type Contact struct {
	Type  string `xml:"TypeCode,attr,omitempty" json:"type,omitempty"`
	Name  string `xml:"Name,attr,omitempty" json:"name,omitempty"`
	Phone string `xml:"PhoneNumber,attr,omitempty" json:"phone,omitempty"`
	Email string `xml:"Email,attr,omitempty" json:"email,omitempty"`
}

// Entity is one legal entity behind a participant.
type Entity struct {
	RegistrationDate string       `xml:"registrationDate,attr,omitempty" json:"registration_date,omitempty"`
	Name             string       `xml:"Name" json:"name"`
	CountryCode      string       `xml:"CountryCode" json:"country_code"`
	GeoInfo          string       `xml:"GeographicalInformation,omitempty" json:"geo_info,omitempty"`
	Identifiers      []Identifier `xml:"Identifier" json:"identifiers,omitempty"`
	Websites         []string     `xml:"WebsiteURI" json:"websites,omitempty"`
	Contacts         []Contact    `xml:"Contact" json:"contacts,omitempty"`
	AdditionalInfo   string       `xml:"AdditionalInformation,omitempty" json:"additional_info,omitempty"`
}

// BusinessCard is the business information of one participant.
type BusinessCard struct {
	XMLName     xml.Name   `xml:"BusinessCard" json:"-"`
	Participant Identifier `xml:"ParticipantIdentifier" json:"participant"`
	Entities    []Entity   `xml:"BusinessEntity" json:"entities"`
}

// ParticipantID returns the participant identifier as "scheme::value".
func (c *BusinessCard) ParticipantID() string {
	return c.Participant.String()
}

// Validate checks the fields required for indexing.
func (c *BusinessCard) Validate() error {
	if c.Participant.Value == "" {
		return fmt.Errorf("business card has no participant identifier")
	}
	for i, e := range c.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("entity %d has no name", i)
		}
		if len(e.CountryCode) != 2 {
			return fmt.Errorf("entity %d has invalid country code %q", i, e.CountryCode)
		}
	}
	return nil
}

// Names returns all entity names.
func (c *BusinessCard) Names() []string {
	out := make([]string, 0, len(c.Entities))
	for _, e := range c.Entities {
		out = append(out, e.Name)
	}
	return out
}

// CountryCodes returns the distinct entity country codes, upper-cased.
func (c *BusinessCard) CountryCodes() []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range c.Entities {
		cc := strings.ToUpper(e.CountryCode)
		if cc != "" && !seen[cc] {
			seen[cc] = true
			out = append(out, cc)
		}
	}
	return out
}

// DecodeXML reads a business card document.
func DecodeXML(r io.Reader) (*BusinessCard, error) {
	var c BusinessCard
	if err := xml.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode business card: %w", err)
	}
	return &c, nil
}

// DecodeJSON reads a business card in its JSON form.
func DecodeJSON(r io.Reader) (*BusinessCard, error) {
	var c BusinessCard
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode business card: %w", err)
	}
	return &c, nil
}

// Decode picks the codec from the content type, defaulting to XML.
func Decode(contentType string, data []byte) (*BusinessCard, error) {
	if strings.Contains(contentType, "json") {
		return DecodeJSON(bytes.NewReader(data))
	}
	return DecodeXML(bytes.NewReader(data))
}

// EncodeXML writes c as an indented XML document element.
func EncodeXML(w io.Writer, c *BusinessCard) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Flush()
}
