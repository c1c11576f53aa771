package license

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"rslserver/pkg/contracts/domain"
)

// ValidationResult reports structural validation of a canonical document.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks a canonical XML serialization for structural
// completeness: a well-formed rsl:license root carrying all six required
// sections. Each missing section produces its own named error, never a
// generic failure. Pure function over its input.
func Validate(canonicalXML []byte) ValidationResult {
	var result ValidationResult

	decoder := xml.NewDecoder(bytes.NewReader(canonicalXML))
	depth := 0
	rootSeen := false
	found := make(map[string]bool, len(RequiredSections))

	for {
		tok, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			result.Errors = append(result.Errors, fmt.Sprintf("document is not well-formed XML: %v", err))
			return result
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				rootSeen = true
				if t.Name.Local != "license" {
					result.Errors = append(result.Errors,
						fmt.Sprintf("root element is %q, expected rsl:license", t.Name.Local))
				}
			} else if depth == 1 {
				found[t.Name.Local] = true
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}

	if !rootSeen {
		result.Errors = append(result.Errors, "document has no root element")
		return result
	}

	for _, section := range RequiredSections {
		if !found[section] {
			result.Errors = append(result.Errors,
				fmt.Sprintf("missing required section: rsl:%s", section))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// ValidateDocument checks a parsed document against the structural
// invariants: closed enum membership, at most one rule per permission
// type, user type, and country. Pure function over its input.
func ValidateDocument(doc *domain.LicenseDocument) ValidationResult {
	var result ValidationResult
	if doc == nil {
		result.Errors = append(result.Errors, "document is nil")
		return result
	}

	if doc.LicenseID == "" {
		result.Errors = append(result.Errors, "license id is empty")
	}
	if doc.Owner == "" {
		result.Errors = append(result.Errors, "owner is empty")
	}
	if doc.Content.Title == "" {
		result.Errors = append(result.Errors, "content title is empty")
	}
	if doc.Content.ContentHash == "" {
		result.Errors = append(result.Errors, "content hash is empty")
	}

	seenPerms := make(map[domain.PermissionType]bool)
	for _, p := range doc.Permissions {
		if !p.Type.Valid() {
			result.Errors = append(result.Errors, fmt.Sprintf("unknown permission type %q", p.Type))
			continue
		}
		if seenPerms[p.Type] {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate permission type %q", p.Type))
		}
		seenPerms[p.Type] = true
	}

	seenUsers := make(map[domain.UserType]bool)
	for _, u := range doc.UserTypes {
		if !u.Type.Valid() {
			result.Errors = append(result.Errors, fmt.Sprintf("unknown user type %q", u.Type))
			continue
		}
		if seenUsers[u.Type] {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate user type %q", u.Type))
		}
		seenUsers[u.Type] = true
	}

	seenGeo := make(map[string]bool)
	for _, g := range doc.GeographicRestrictions {
		if len(g.CountryCode) != 2 {
			result.Errors = append(result.Errors, fmt.Sprintf("country code %q is not ISO-3166-1 alpha-2", g.CountryCode))
			continue
		}
		if seenGeo[g.CountryCode] {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate geographic rule for %q", g.CountryCode))
		}
		seenGeo[g.CountryCode] = true
	}

	if !doc.Payment.Model.Valid() {
		result.Errors = append(result.Errors, fmt.Sprintf("unknown payment model %q", doc.Payment.Model))
	}

	result.Valid = len(result.Errors) == 0
	return result
}
