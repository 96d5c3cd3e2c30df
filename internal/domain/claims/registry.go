package claims

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Denial categories used by the built-in codebook.
const (
	CategoryAuthorization = "authorization"
	CategoryDocumentation = "documentation"
	CategoryCoding        = "coding"
	CategoryEligibility   = "eligibility"
	CategoryClinical      = "clinical"
	CategoryCoordination  = "coordination_of_benefits"
	CategoryCoverage      = "coverage"
	CategoryDuplicate     = "duplicate"
	CategoryTimelyFiling  = "timely_filing"
	CategoryBundling      = "bundling"
)

// RegistryEntry describes one payer denial code.
type RegistryEntry struct {
	Code          string `json:"code" yaml:"code"`
	Description   string `json:"description" yaml:"description"`
	Category      string `json:"category" yaml:"category"`
	IsCorrectable bool   `json:"is_correctable" yaml:"correctable"`
	Guidance      string `json:"guidance" yaml:"guidance"`
}

// Registry is the read-only denial codebook. It is safe for concurrent use
// because nothing mutates it after construction.
type Registry struct {
	entries map[string]RegistryEntry
}

var defaultEntries = []RegistryEntry{
	{
		Code:          "PRIOR_AUTH",
		Description:   "Prior authorization required but not obtained",
		Category:      CategoryAuthorization,
		IsCorrectable: true,
		Guidance:      "Obtain or attach the authorization number from the payer portal and resubmit.",
	},
	{
		Code:          "MISSING_INFO",
		Description:   "Claim is missing required information",
		Category:      CategoryDocumentation,
		IsCorrectable: true,
		Guidance:      "Review the remittance remark codes, complete the missing fields and resubmit.",
	},
	{
		Code:          "CODING_ERROR",
		Description:   "Procedure or diagnosis code is invalid or inconsistent",
		Category:      CategoryCoding,
		IsCorrectable: true,
		Guidance:      "Verify CPT/ICD-10 pairing against the clinical note and correct the codes.",
	},
	{
		Code:          "ELIGIBILITY",
		Description:   "Patient not eligible on the date of service",
		Category:      CategoryEligibility,
		IsCorrectable: true,
		Guidance:      "Re-run eligibility, update the member id or payer and resubmit.",
	},
	{
		Code:          "MEDICAL_NECESSITY",
		Description:   "Service not deemed medically necessary",
		Category:      CategoryClinical,
		IsCorrectable: true,
		Guidance:      "Attach supporting clinical documentation and a letter of medical necessity.",
	},
	{
		Code:          "COORDINATION_OF_BENEFITS",
		Description:   "Other insurance is primary",
		Category:      CategoryCoordination,
		IsCorrectable: true,
		Guidance:      "Bill the primary payer first and include its remittance with the resubmission.",
	},
	{
		Code:          "NOT_COVERED",
		Description:   "Service is not a covered benefit under the patient's plan",
		Category:      CategoryCoverage,
		IsCorrectable: false,
		Guidance:      "Transfer the balance to patient responsibility or pursue a formal appeal.",
	},
	{
		Code:          "DUPLICATE_CLAIM",
		Description:   "Duplicate of a previously processed claim",
		Category:      CategoryDuplicate,
		IsCorrectable: false,
		Guidance:      "Locate the original claim and follow up on its status instead of resubmitting.",
	},
	{
		Code:          "TIMELY_FILING",
		Description:   "Claim filed after the payer's filing deadline",
		Category:      CategoryTimelyFiling,
		IsCorrectable: false,
		Guidance:      "Resubmission is not possible; appeal only with proof of timely original filing.",
	},
	{
		Code:          "BUNDLED_SERVICE",
		Description:   "Service is included in another billed procedure",
		Category:      CategoryBundling,
		IsCorrectable: true,
		Guidance:      "Review NCCI edits and add an appropriate modifier if the service was distinct.",
	},
}

// NewRegistry builds a registry from the given entries. Later entries with
// the same code replace earlier ones.
func NewRegistry(entries ...RegistryEntry) *Registry {
	r := &Registry{entries: make(map[string]RegistryEntry, len(entries))}
	for _, e := range entries {
		e.Code = normalizeCode(e.Code)
		if e.Code == "" {
			continue
		}
		r.entries[e.Code] = e
	}
	return r
}

// DefaultRegistry returns the built-in codebook.
func DefaultRegistry() *Registry {
	return NewRegistry(defaultEntries...)
}

type registryFile struct {
	Codes []RegistryEntry `yaml:"codes"`
}

// LoadRegistryFile reads a YAML codebook and layers it over base. Codes in
// the file override built-in codes with the same name.
func LoadRegistryFile(path string, base *Registry) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read denial codebook %s: %w", path, err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse denial codebook %s: %w", path, err)
	}
	var entries []RegistryEntry
	if base != nil {
		entries = base.Entries()
	}
	for i, e := range f.Codes {
		if normalizeCode(e.Code) == "" {
			return nil, fmt.Errorf("denial codebook %s: entry %d has no code", path, i)
		}
		entries = append(entries, e)
	}
	return NewRegistry(entries...), nil
}

// Lookup returns the entry for code.
func (r *Registry) Lookup(code string) (RegistryEntry, error) {
	e, ok := r.entries[normalizeCode(code)]
	if !ok {
		return RegistryEntry{}, fmt.Errorf("%w: %s", ErrUnknownDenialCode, code)
	}
	return e, nil
}

// Entries returns all entries sorted by code.
func (r *Registry) Entries() []RegistryEntry {
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Len returns the number of codes in the registry.
func (r *Registry) Len() int { return len(r.entries) }

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
