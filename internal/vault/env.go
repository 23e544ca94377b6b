package vault

import (
	"os"
	"sort"
	"strings"
	"time"
)

// EnvMapping routes a well-known environment variable to a credential triple.
type EnvMapping struct {
	SurfaceID string
	Type      Type
	Field     string
}

// DefaultEnvMappings covers the vendor keys commonly present in deployment
// environments without the BENTHAM prefix convention.
var DefaultEnvMappings = map[string]EnvMapping{
	"OPENAI_API_KEY":     {SurfaceID: "openai-api", Type: TypeAPIKey, Field: "KEY"},
	"ANTHROPIC_API_KEY":  {SurfaceID: "anthropic-api", Type: TypeAPIKey, Field: "KEY"},
	"GOOGLE_API_KEY":     {SurfaceID: "google-api", Type: TypeAPIKey, Field: "KEY"},
	"PERPLEXITY_API_KEY": {SurfaceID: "perplexity-api", Type: TypeAPIKey, Field: "KEY"},
	"MISTRAL_API_KEY":    {SurfaceID: "mistral-api", Type: TypeAPIKey, Field: "KEY"},
}

// envTypeTokens maps the TYPE segment of prefixed variables to credential types.
var envTypeTokens = map[string]Type{
	"API_KEY":           TypeAPIKey,
	"BEARER_TOKEN":      TypeBearerToken,
	"SESSION_COOKIE":    TypeSessionCookie,
	"OAUTH_TOKEN":       TypeOAuthToken,
	"USERNAME_PASSWORD": TypeUsernamePassword,
}

// EnvBackend enumerates credentials from environment variables following the
// convention {PREFIX}_{SURFACE}_{TYPE}_{FIELD}, plus an explicit mapping
// table for well-known keys. The backend is read-only; credentials with
// missing required fields are skipped silently.
type EnvBackend struct {
	prefix   string
	mappings map[string]EnvMapping
	lookup   func(string) (string, bool)
	environ  environFunc

	creds map[string]Credential
	order []string
}

// EnvOption customizes an EnvBackend.
type EnvOption func(*EnvBackend)

// WithEnvMappings replaces the well-known mapping table.
func WithEnvMappings(m map[string]EnvMapping) EnvOption {
	return func(b *EnvBackend) { b.mappings = m }
}

// WithEnvLookup injects the variable source (tests).
func WithEnvLookup(fn func(string) (string, bool), environ func() []string) EnvOption {
	return func(b *EnvBackend) {
		b.lookup = fn
		b.environ = environ
	}
}

// environ lists all variables as KEY=VALUE; defaults to os.Environ.
type environFunc = func() []string

// NewEnvBackend scans the environment once at construction; Reload rescans.
func NewEnvBackend(prefix string, opts ...EnvOption) *EnvBackend {
	b := &EnvBackend{
		prefix:   strings.TrimSuffix(prefix, "_"),
		mappings: DefaultEnvMappings,
		lookup:   os.LookupEnv,
		environ:  os.Environ,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.scan()
	return b
}

func (b *EnvBackend) Store(Credential) error  { return ErrReadOnly }
func (b *EnvBackend) Update(Credential) error { return ErrReadOnly }
func (b *EnvBackend) Delete(string) error     { return ErrReadOnly }
func (b *EnvBackend) Flush() error            { return nil }

func (b *EnvBackend) Reload() error {
	b.scan()
	return nil
}

func (b *EnvBackend) Get(id string) (Credential, bool) {
	c, ok := b.creds[id]
	return c, ok
}

func (b *EnvBackend) Exists(id string) bool {
	_, ok := b.creds[id]
	return ok
}

func (b *EnvBackend) List() []Credential {
	out := make([]Credential, 0, len(b.creds))
	for _, id := range b.order {
		out = append(out, b.creds[id])
	}
	return out
}

func (b *EnvBackend) ListByType(t Type) []Credential {
	var out []Credential
	for _, c := range b.List() {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func (b *EnvBackend) GetBySurface(surfaceID string) []Credential {
	var out []Credential
	for _, c := range b.List() {
		if c.SurfaceID == surfaceID {
			out = append(out, c)
		}
	}
	return out
}

func (b *EnvBackend) GetActiveBySurface(surfaceID string, now time.Time) []Credential {
	var out []Credential
	for _, c := range b.GetBySurface(surfaceID) {
		if c.Active(now) {
			out = append(out, c)
		}
	}
	return out
}

// scan rebuilds the credential set from the environment.
func (b *EnvBackend) scan() {
	b.creds = make(map[string]Credential)
	b.order = nil
	now := time.Now().UTC()

	// Well-known single-variable mappings.
	mappingKeys := make([]string, 0, len(b.mappings))
	for key := range b.mappings {
		mappingKeys = append(mappingKeys, key)
	}
	// Stable order for deterministic listings.
	sort.Strings(mappingKeys)
	for _, key := range mappingKeys {
		val, ok := b.lookup(key)
		if !ok || val == "" {
			continue
		}
		m := b.mappings[key]
		c := Credential{
			ID:        "env:" + strings.ToLower(key),
			SurfaceID: m.SurfaceID,
			Type:      m.Type,
			CreatedAt: now,
			IsActive:  true,
		}
		if !fillField(&c, m.Field, val) {
			continue
		}
		if c.Validate() != nil {
			continue
		}
		b.add(c)
	}

	// Prefixed convention: {PREFIX}_{SURFACE}_{TYPE}_{FIELD}.
	if b.prefix == "" {
		return
	}
	groups := map[string]map[string]string{} // "SURFACE|TYPE" -> FIELD -> value
	for _, kv := range b.environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, b.prefix+"_") || val == "" {
			continue
		}
		rest := key[len(b.prefix)+1:]
		surface, typ, field, ok := splitEnvKey(rest)
		if !ok {
			continue
		}
		gk := surface + "|" + string(typ)
		if groups[gk] == nil {
			groups[gk] = map[string]string{}
		}
		groups[gk][field] = val
	}

	groupKeys := make([]string, 0, len(groups))
	for gk := range groups {
		groupKeys = append(groupKeys, gk)
	}
	sort.Strings(groupKeys)
	for _, gk := range groupKeys {
		parts := strings.SplitN(gk, "|", 2)
		surface, typ := parts[0], Type(parts[1])
		fields := groups[gk]
		c := Credential{
			ID:        "env:" + strings.ToLower(b.prefix) + ":" + surface + ":" + string(typ),
			SurfaceID: surface,
			Type:      typ,
			CreatedAt: now,
			IsActive:  true,
		}
		complete := true
		for field, val := range fields {
			if !fillField(&c, field, val) {
				complete = false
				break
			}
		}
		if !complete || c.Validate() != nil {
			continue // missing or unknown fields skip the credential silently
		}
		b.add(c)
	}
}

func (b *EnvBackend) add(c Credential) {
	b.creds[c.ID] = c
	b.order = append(b.order, c.ID)
}

// splitEnvKey decomposes "SURFACE_TYPE_FIELD" where TYPE is one of the known
// multi-word type tokens. The surface segment may itself contain underscores,
// so the type token is matched greedily from the right.
func splitEnvKey(rest string) (surface string, typ Type, field string, ok bool) {
	for token, t := range envTypeTokens {
		idx := strings.LastIndex(rest, "_"+token+"_")
		if idx <= 0 {
			continue
		}
		surface = strings.ToLower(strings.ReplaceAll(rest[:idx], "_", "-"))
		field = rest[idx+len(token)+2:]
		if surface == "" || field == "" {
			continue
		}
		return surface, t, field, true
	}
	return "", "", "", false
}

// fillField assigns an env field value to the matching payload slot.
func fillField(c *Credential, field, val string) bool {
	switch strings.ToUpper(field) {
	case "KEY":
		c.APIKey = val
	case "TOKEN", "VALUE_TOKEN":
		c.Token = val
	case "REFRESH_TOKEN":
		c.RefreshToken = val
	case "NAME":
		c.CookieName = val
	case "VALUE":
		c.CookieValue = val
	case "DOMAIN":
		c.CookieDomain = val
	case "USERNAME":
		c.Username = val
	case "PASSWORD":
		c.Password = val
	default:
		return false
	}
	return true
}
