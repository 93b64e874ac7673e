package s3store

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// StoreProfile describes an S3-compatible provider a key ring can live on.
// Profiles carry the connection quirks so deployments only name the
// provider.
type StoreProfile struct {
	Name string

	// DefaultEndpoint is used when the deployment configures none.
	// EndpointTemplate, when set, builds a regional endpoint instead.
	DefaultEndpoint  string
	EndpointTemplate string

	// DefaultRegion for signing when the deployment configures none.
	DefaultRegion string

	// PathStyle providers address buckets as path segments.
	PathStyle bool

	// RequiresRegion providers reject requests without an explicit
	// signing region.
	RequiresRegion bool
}

// knownStores maps provider names to their connection profiles.
var knownStores = map[string]StoreProfile{
	"aws": {
		Name:            "AWS S3",
		DefaultEndpoint: "", // SDK resolves regional endpoints itself
		DefaultRegion:   "us-east-1",
		RequiresRegion:  true,
	},
	"minio": {
		Name:            "MinIO",
		DefaultEndpoint: "http://localhost:9000",
		DefaultRegion:   "us-east-1",
		PathStyle:       true,
	},
	"garage": {
		Name:            "Garage",
		DefaultEndpoint: "http://localhost:3900",
		DefaultRegion:   "garage",
		PathStyle:       true,
	},
	"wasabi": {
		Name:             "Wasabi",
		DefaultEndpoint:  "https://s3.wasabisys.com",
		EndpointTemplate: "https://s3.%s.wasabisys.com",
		DefaultRegion:    "us-east-1",
		RequiresRegion:   true,
	},
	"backblaze": {
		Name:             "Backblaze B2",
		DefaultEndpoint:  "https://s3.us-west-000.backblazeb2.com",
		EndpointTemplate: "https://s3.%s.backblazeb2.com",
		DefaultRegion:    "us-west-000",
		PathStyle:        true,
		RequiresRegion:   true,
	},
	"scaleway": {
		Name:             "Scaleway Object Storage",
		DefaultEndpoint:  "https://s3.fr-par.scw.cloud",
		EndpointTemplate: "https://s3.%s.scw.cloud",
		DefaultRegion:    "fr-par",
		RequiresRegion:   true,
	},
	"cloudflare": {
		Name:          "Cloudflare R2",
		DefaultRegion: "auto",
	},
}

// LookupProfile returns the profile for a provider name,
// case-insensitively.
func LookupProfile(provider string) (StoreProfile, error) {
	if provider == "" {
		return StoreProfile{}, fmt.Errorf("%w: provider name is required", ErrConfig)
	}
	profile, ok := knownStores[strings.ToLower(provider)]
	if !ok {
		return StoreProfile{}, fmt.Errorf("%w: unknown provider %q (supported: %s)",
			ErrConfig, provider, strings.Join(SupportedProviders(), ", "))
	}
	return profile, nil
}

// SupportedProviders lists the known provider names, sorted.
func SupportedProviders() []string {
	names := make([]string, 0, len(knownStores))
	for name := range knownStores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsProviderSupported reports whether provider names a known profile.
func IsProviderSupported(provider string) bool {
	_, ok := knownStores[strings.ToLower(provider)]
	return ok
}

// resolveEndpoint fills endpoint and region from the profile when the
// deployment left them empty, and normalizes whatever endpoint results.
// An empty endpoint with an empty template means the SDK's own resolution
// applies.
func (p StoreProfile) resolveEndpoint(endpoint, region string) (string, string, error) {
	if region == "" {
		region = p.DefaultRegion
	}
	if endpoint == "" {
		if p.EndpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(p.EndpointTemplate, region)
		} else {
			endpoint = p.DefaultEndpoint
		}
	}
	if endpoint != "" {
		endpoint = normalizeEndpoint(endpoint)
		if err := ValidateEndpoint(endpoint); err != nil {
			return "", "", err
		}
	}
	if p.RequiresRegion && region == "" {
		return "", "", fmt.Errorf("%w: provider %s requires a region", ErrConfig, p.Name)
	}
	return endpoint, region, nil
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ValidateEndpoint reports whether endpoint is a usable http(s) URL.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: invalid endpoint URL: %v", ErrConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: endpoint must use http or https", ErrConfig)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: endpoint must include a hostname", ErrConfig)
	}
	return nil
}
