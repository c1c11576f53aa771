package license

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"rslserver/pkg/contracts/domain"
)

// RSL XML section names. Validation reports missing sections by these
// names, prefixed rsl:.
const (
	SectionContent     = "content"
	SectionPermissions = "permissions"
	SectionUserTypes   = "user-types"
	SectionGeographic  = "geographic-restrictions"
	SectionPayment     = "payment-model"
	SectionMetadata    = "metadata"
)

// RequiredSections lists the six top-level sections every canonical RSL
// document must carry, in canonical order.
var RequiredSections = []string{
	SectionContent,
	SectionPermissions,
	SectionUserTypes,
	SectionGeographic,
	SectionPayment,
	SectionMetadata,
}

// Namespace is the RSL XML namespace.
const Namespace = "https://rslstandard.org/rsl"

// CanonicalXML renders the document's canonical XML serialization.
// Field order, indentation, and escaping are fixed, and optional fields
// are elided rather than emitted empty, so identical documents produce
// byte-for-byte identical output.
func CanonicalXML(doc *domain.LicenseDocument) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("canonical xml: nil document")
	}

	var b bytes.Buffer
	b.WriteString(xml.Header)
	fmt.Fprintf(&b, "<rsl:license xmlns:rsl=\"%s\" id=\"%s\" owner=\"%s\">\n",
		Namespace, escapeAttr(doc.LicenseID), escapeAttr(doc.Owner))

	// content
	b.WriteString("  <rsl:content>\n")
	writeElem(&b, 4, "title", doc.Content.Title)
	writeElem(&b, 4, "type", doc.Content.ContentType)
	if doc.Content.SizeBytes > 0 {
		writeElem(&b, 4, "size", strconv.FormatInt(doc.Content.SizeBytes, 10))
	}
	writeElem(&b, 4, "hash", doc.Content.ContentHash)
	if doc.Content.URL != "" {
		writeElem(&b, 4, "url", doc.Content.URL)
	}
	b.WriteString("  </rsl:content>\n")

	// permissions
	b.WriteString("  <rsl:permissions>\n")
	for _, p := range doc.Permissions {
		fmt.Fprintf(&b, "    <rsl:permission type=\"%s\" allowed=\"%s\">\n",
			escapeAttr(string(p.Type)), boolAttr(p.Allowed))
		for _, c := range p.Conditions {
			writeElem(&b, 6, "condition", c)
		}
		for _, r := range p.Restrictions {
			writeElem(&b, 6, "restriction", r)
		}
		b.WriteString("    </rsl:permission>\n")
	}
	b.WriteString("  </rsl:permissions>\n")

	// user-types
	b.WriteString("  <rsl:user-types>\n")
	for _, u := range doc.UserTypes {
		fmt.Fprintf(&b, "    <rsl:user-type type=\"%s\" allowed=\"%s\">\n",
			escapeAttr(string(u.Type)), boolAttr(u.Allowed))
		for _, c := range u.Conditions {
			writeElem(&b, 6, "condition", c)
		}
		if u.Pricing != nil {
			fmt.Fprintf(&b, "      <rsl:pricing amount=\"%s\" currency=\"%s\"/>\n",
				formatAmount(u.Pricing.Amount), escapeAttr(u.Pricing.Currency))
		}
		b.WriteString("    </rsl:user-type>\n")
	}
	b.WriteString("  </rsl:user-types>\n")

	// geographic-restrictions: the section is always present, even when
	// empty, so absence of a country rule is visibly a default-allow
	// rather than a missing section.
	if len(doc.GeographicRestrictions) == 0 {
		b.WriteString("  <rsl:geographic-restrictions/>\n")
	} else {
		b.WriteString("  <rsl:geographic-restrictions>\n")
		for _, g := range doc.GeographicRestrictions {
			if len(g.Conditions) == 0 {
				fmt.Fprintf(&b, "    <rsl:region country=\"%s\" allowed=\"%s\"/>\n",
					escapeAttr(g.CountryCode), boolAttr(g.Allowed))
				continue
			}
			fmt.Fprintf(&b, "    <rsl:region country=\"%s\" allowed=\"%s\">\n",
				escapeAttr(g.CountryCode), boolAttr(g.Allowed))
			for _, c := range g.Conditions {
				writeElem(&b, 6, "condition", c)
			}
			b.WriteString("    </rsl:region>\n")
		}
		b.WriteString("  </rsl:geographic-restrictions>\n")
	}

	// payment-model
	if doc.Payment.Model.RequiresCharge() {
		fmt.Fprintf(&b, "  <rsl:payment-model type=\"%s\" amount=\"%s\" currency=\"%s\"/>\n",
			escapeAttr(string(doc.Payment.Model)), formatAmount(doc.Payment.Amount),
			escapeAttr(doc.Payment.Currency))
	} else {
		fmt.Fprintf(&b, "  <rsl:payment-model type=\"%s\"/>\n", escapeAttr(string(doc.Payment.Model)))
	}

	// metadata
	b.WriteString("  <rsl:metadata>\n")
	writeElem(&b, 4, "creator", doc.Metadata.Creator)
	if doc.Metadata.Provenance != "" {
		writeElem(&b, 4, "provenance", doc.Metadata.Provenance)
	}
	if doc.Metadata.Warranty != "" {
		writeElem(&b, 4, "warranty", doc.Metadata.Warranty)
	}
	if doc.Metadata.Disclaimer != "" {
		writeElem(&b, 4, "disclaimer", doc.Metadata.Disclaimer)
	}
	if doc.ExpiresAt != nil {
		writeElem(&b, 4, "expires-at", doc.ExpiresAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("  </rsl:metadata>\n")

	b.WriteString("</rsl:license>\n")
	return b.Bytes(), nil
}

// CanonicalJSON renders the document's canonical JSON serialization: the
// same content as the XML form with fixed field order and two-space
// indentation. Timestamps are excluded for the same determinism reason
// they are excluded from generation.
func CanonicalJSON(doc *domain.LicenseDocument) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("canonical json: nil document")
	}

	canonical := struct {
		LicenseID              string                   `json:"license_id"`
		Owner                  string                   `json:"owner"`
		Content                domain.ContentDescriptor `json:"content"`
		Permissions            []domain.Permission      `json:"permissions"`
		UserTypes              []domain.UserTypeRule    `json:"user_types"`
		GeographicRestrictions []domain.GeographicRule  `json:"geographic_restrictions"`
		Payment                domain.PaymentTerms      `json:"payment_model"`
		Metadata               domain.LicenseMetadata   `json:"metadata"`
		ExpiresAt              *time.Time               `json:"expires_at,omitempty"`
	}{
		LicenseID:              doc.LicenseID,
		Owner:                  doc.Owner,
		Content:                doc.Content,
		Permissions:            doc.Permissions,
		UserTypes:              doc.UserTypes,
		GeographicRestrictions: doc.GeographicRestrictions,
		Payment:                doc.Payment,
		Metadata:               doc.Metadata,
		ExpiresAt:              doc.ExpiresAt,
	}
	if canonical.GeographicRestrictions == nil {
		canonical.GeographicRestrictions = []domain.GeographicRule{}
	}

	out, err := json.MarshalIndent(canonical, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return append(out, '\n'), nil
}

func writeElem(b *bytes.Buffer, indent int, name, value string) {
	for i := 0; i < indent; i++ {
		b.WriteByte(' ')
	}
	b.WriteString("<rsl:")
	b.WriteString(name)
	b.WriteByte('>')
	xml.EscapeText(b, []byte(value))
	b.WriteString("</rsl:")
	b.WriteString(name)
	b.WriteString(">\n")
}

func escapeAttr(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

func boolAttr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// formatAmount renders a monetary amount without trailing zeros, the same
// way for every serialization.
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
