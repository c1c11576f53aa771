package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rslserver/pkg/contracts/domain"
)

func baseSpec() Spec {
	return Spec{
		LicenseID: "lic-test-1",
		Owner:     "news-corp",
		Content: domain.ContentDescriptor{
			Title:       "Daily Archive",
			ContentType: "text/html",
			SizeBytes:   2048,
			ContentHash: "sha256:abcdef",
			URL:         "https://example.com/archive",
		},
		Permissions: []domain.Permission{
			{Type: domain.PermissionSearch, Allowed: true, Conditions: []string{"attribution"}},
			{Type: domain.PermissionTrainAI, Allowed: true, Conditions: []string{"payment"}},
		},
		UserTypes: []domain.UserTypeRule{
			{Type: domain.UserTypeIndividual, Allowed: true},
			{Type: domain.UserTypeCommercial, Allowed: true, Pricing: &domain.Pricing{Amount: 25, Currency: "USD"}},
		},
		GeographicRestrictions: []domain.GeographicRule{
			{CountryCode: "KP", Allowed: false},
		},
		Payment:  domain.PaymentTerms{Model: domain.PaymentPerCrawl, Amount: 0.05, Currency: "USD"},
		Metadata: domain.LicenseMetadata{Creator: "news-corp"},
	}
}

func TestGenerateProducesDeterministicSerializations(t *testing.T) {
	spec := baseSpec()

	first, err := Generate(spec)
	require.NoError(t, err)
	second, err := Generate(spec)
	require.NoError(t, err)

	xml1, err := CanonicalXML(first)
	require.NoError(t, err)
	xml2, err := CanonicalXML(second)
	require.NoError(t, err)
	assert.Equal(t, xml1, xml2, "identical specs must serialize byte-for-byte identically")

	json1, err := CanonicalJSON(first)
	require.NoError(t, err)
	json2, err := CanonicalJSON(second)
	require.NoError(t, err)
	assert.Equal(t, json1, json2)
}

func TestGenerateSortsEntriesIntoCanonicalOrder(t *testing.T) {
	spec := baseSpec()
	// Submission order is reversed; canonical order must win.
	spec.Permissions = []domain.Permission{
		{Type: domain.PermissionAnalysis, Allowed: true},
		{Type: domain.PermissionTrainAI, Allowed: true},
	}
	spec.UserTypes = []domain.UserTypeRule{
		{Type: domain.UserTypeIndividual, Allowed: true},
		{Type: domain.UserTypeCommercial, Allowed: true},
	}

	doc, err := Generate(spec)
	require.NoError(t, err)

	assert.Equal(t, domain.PermissionTrainAI, doc.Permissions[0].Type)
	assert.Equal(t, domain.PermissionAnalysis, doc.Permissions[1].Type)
	assert.Equal(t, domain.UserTypeCommercial, doc.UserTypes[0].Type)
	assert.Equal(t, domain.UserTypeIndividual, doc.UserTypes[1].Type)
}

func TestGenerateNormalizesConditionSets(t *testing.T) {
	spec := baseSpec()
	spec.Permissions = []domain.Permission{
		{Type: domain.PermissionSearch, Allowed: true, Conditions: []string{"payment", "attribution", "payment"}},
	}

	doc, err := Generate(spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"attribution", "payment"}, doc.Permissions[0].Conditions)
}

func TestGenerateAssignsLicenseIDWhenAbsent(t *testing.T) {
	spec := baseSpec()
	spec.LicenseID = ""

	doc, err := Generate(spec)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.LicenseID)
	assert.True(t, doc.Active)
	assert.True(t, doc.CreatedAt.IsZero(), "generation must not stamp timestamps")
}

func TestGenerateRejectsInvalidSpecs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr string
	}{
		{
			name:    "missing owner",
			mutate:  func(s *Spec) { s.Owner = "" },
			wantErr: "owner is required",
		},
		{
			name:    "missing content hash",
			mutate:  func(s *Spec) { s.Content.ContentHash = "" },
			wantErr: "content hash is required",
		},
		{
			name: "unknown permission type",
			mutate: func(s *Spec) {
				s.Permissions = []domain.Permission{{Type: "mining", Allowed: true}}
			},
			wantErr: "permission type",
		},
		{
			name: "duplicate permission type",
			mutate: func(s *Spec) {
				s.Permissions = []domain.Permission{
					{Type: domain.PermissionSearch, Allowed: true},
					{Type: domain.PermissionSearch, Allowed: false},
				}
			},
			wantErr: "duplicate",
		},
		{
			name: "duplicate country rule",
			mutate: func(s *Spec) {
				s.GeographicRestrictions = []domain.GeographicRule{
					{CountryCode: "DE", Allowed: false},
					{CountryCode: "DE", Allowed: true},
				}
			},
			wantErr: "duplicate",
		},
		{
			name:    "unknown payment model",
			mutate:  func(s *Spec) { s.Payment.Model = "barter" },
			wantErr: "payment model",
		},
		{
			name: "charge model without amount",
			mutate: func(s *Spec) {
				s.Payment = domain.PaymentTerms{Model: domain.PaymentSubscription}
			},
			wantErr: "positive amount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := baseSpec()
			tt.mutate(&spec)
			_, err := Generate(spec)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGenerateElidesChargeFieldsForFreeModels(t *testing.T) {
	spec := baseSpec()
	spec.Payment = domain.PaymentTerms{Model: domain.PaymentFree, Amount: 10, Currency: "USD"}

	doc, err := Generate(spec)
	require.NoError(t, err)
	assert.Zero(t, doc.Payment.Amount)
	assert.Empty(t, doc.Payment.Currency)

	xmlBytes, err := CanonicalXML(doc)
	require.NoError(t, err)
	assert.Contains(t, string(xmlBytes), `<rsl:payment-model type="free"/>`)
	assert.NotContains(t, string(xmlBytes), `amount=`)
}

func TestCanonicalXMLEmitsEmptyGeographicSection(t *testing.T) {
	spec := baseSpec()
	spec.GeographicRestrictions = nil

	doc, err := Generate(spec)
	require.NoError(t, err)
	xmlBytes, err := CanonicalXML(doc)
	require.NoError(t, err)
	assert.Contains(t, string(xmlBytes), "<rsl:geographic-restrictions/>")
}

func TestCanonicalXMLEscapesContent(t *testing.T) {
	spec := baseSpec()
	spec.Content.Title = `Research <"AI" & Law>`

	doc, err := Generate(spec)
	require.NoError(t, err)
	xmlBytes, err := CanonicalXML(doc)
	require.NoError(t, err)
	assert.Contains(t, string(xmlBytes), "Research &lt;&#34;AI&#34; &amp; Law&gt;")
}

func TestCanonicalXMLIncludesExpiry(t *testing.T) {
	expiry := time.Date(2027, 1, 2, 3, 4, 5, 0, time.UTC)
	spec := baseSpec()
	spec.ExpiresAt = &expiry

	doc, err := Generate(spec)
	require.NoError(t, err)
	xmlBytes, err := CanonicalXML(doc)
	require.NoError(t, err)
	assert.Contains(t, string(xmlBytes), "<rsl:expires-at>2027-01-02T03:04:05Z</rsl:expires-at>")
}
