package keys

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	minMaterialLen = 10
	maxMaterialLen = 500
	maxProviderLen = 100

	maxMetadataKeys     = 100
	maxMetadataValueLen = 10 * 1024
	maxMetadataDepth    = 3
)

var (
	providerIDPattern  = regexp.MustCompile(`^[a-z0-9_]{1,100}$`)
	metadataKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{1,100}$`)
)

// injectionMarkers are substrings that have no business appearing in
// credential material and usually indicate a templating or injection attempt.
var injectionMarkers = []string{
	"<script", "javascript:", "${", "{{", "../", "`",
}

func validateMaterial(material string) error {
	trimmed := strings.TrimSpace(material)
	if trimmed == "" {
		return &ValidationError{Field: "material", Reason: "empty"}
	}
	if len(trimmed) < minMaterialLen {
		return &ValidationError{Field: "material", Reason: fmt.Sprintf("shorter than %d characters", minMaterialLen)}
	}
	if len(trimmed) > maxMaterialLen {
		return &ValidationError{Field: "material", Reason: fmt.Sprintf("longer than %d characters", maxMaterialLen)}
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return &ValidationError{Field: "material", Reason: "contains control characters"}
		}
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range injectionMarkers {
		if strings.Contains(lower, marker) {
			return &ValidationError{Field: "material", Reason: "contains disallowed pattern"}
		}
	}
	return nil
}

func validateProviderID(providerID string) error {
	if providerID == "" {
		return &ValidationError{Field: "provider_id", Reason: "empty"}
	}
	if !providerIDPattern.MatchString(providerID) {
		return &ValidationError{Field: "provider_id", Reason: "must be lowercase letters, digits, or underscores (max 100)"}
	}
	return nil
}

func validateMetadata(metadata map[string]any) error {
	if metadata == nil {
		return nil
	}
	if len(metadata) > maxMetadataKeys {
		return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("more than %d keys", maxMetadataKeys)}
	}
	return validateMetadataValue("metadata", metadata, 1)
}

func validateMetadataValue(path string, v any, depth int) error {
	switch val := v.(type) {
	case map[string]any:
		if depth > maxMetadataDepth {
			return &ValidationError{Field: path, Reason: fmt.Sprintf("nested deeper than %d levels", maxMetadataDepth)}
		}
		for k, nested := range val {
			if !metadataKeyPattern.MatchString(k) {
				return &ValidationError{Field: path + "." + k, Reason: "key contains disallowed characters"}
			}
			if err := validateMetadataValue(path+"."+k, nested, depth+1); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if depth > maxMetadataDepth {
			return &ValidationError{Field: path, Reason: fmt.Sprintf("nested deeper than %d levels", maxMetadataDepth)}
		}
		for i, item := range val {
			if err := validateMetadataValue(fmt.Sprintf("%s[%d]", path, i), item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case string:
		if len(val) > maxMetadataValueLen {
			return &ValidationError{Field: path, Reason: fmt.Sprintf("string value longer than %d bytes", maxMetadataValueLen)}
		}
		return nil
	case bool, nil,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	default:
		return &ValidationError{Field: path, Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}
