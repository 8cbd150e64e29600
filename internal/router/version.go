package router

import (
	"net/http"
	"regexp"

	"github.com/apexgate/apexgate/internal/config"
)

// VersionHeader carries an explicit API version on the request.
const VersionHeader = "API-Version"

// versionQueryParam is the query parameter carrying an API version.
const versionQueryParam = "version"

// pathVersionPattern matches a version prefix embedded in the path.
var pathVersionPattern = regexp.MustCompile(`^/api/(v[0-9]+)(/.*)?$`)

// VersionResolver resolves the API version of a request. Candidates are
// considered in precedence order: API-Version header, version query
// parameter, /api/vN/ path prefix. The first candidate present decides;
// if its value is not a supported version the default applies.
type VersionResolver struct {
	def       string
	supported map[string]bool
}

// NewVersionResolver builds a resolver from the versioning section.
func NewVersionResolver(cfg config.VersioningConfig) *VersionResolver {
	supported := make(map[string]bool, len(cfg.Supported))
	for _, v := range cfg.Supported {
		supported[v] = true
	}
	def := cfg.Default
	if def == "" {
		def = "v1"
	}
	if len(supported) == 0 {
		supported[def] = true
	}
	return &VersionResolver{def: def, supported: supported}
}

// Resolve returns the effective API version for the request.
func (v *VersionResolver) Resolve(r *http.Request) string {
	if candidate := r.Header.Get(VersionHeader); candidate != "" {
		return v.validate(candidate)
	}
	if candidate := r.URL.Query().Get(versionQueryParam); candidate != "" {
		return v.validate(candidate)
	}
	if m := pathVersionPattern.FindStringSubmatch(r.URL.Path); m != nil {
		return v.validate(m[1])
	}
	return v.def
}

// Default returns the default version.
func (v *VersionResolver) Default() string {
	return v.def
}

// Supported reports whether version is accepted.
func (v *VersionResolver) Supported(version string) bool {
	return v.supported[version]
}

func (v *VersionResolver) validate(candidate string) string {
	if v.supported[candidate] {
		return candidate
	}
	return v.def
}

// NormalizePath strips a version prefix from the path, so routes and
// cache keys address /api/assets regardless of how the version was
// supplied.
func NormalizePath(path string) string {
	m := pathVersionPattern.FindStringSubmatch(path)
	if m == nil {
		return path
	}
	if m[2] == "" {
		return "/api"
	}
	return "/api" + m[2]
}
