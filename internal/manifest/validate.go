package manifest

import (
	"fmt"
	"time"
)

// FieldError is one boundary-validation failure with a JSON-path field name.
type FieldError struct {
	Field      string `json:"field"`
	Message    string `json:"message"`
	Constraint string `json:"constraint"`
}

// Warning is a non-blocking validation finding.
type Warning struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Registries answers whether surface and location IDs are known to the system.
type Registries struct {
	HasSurface  func(id string) bool
	HasLocation func(id string) bool
}

// Boundary limits for manifest validation.
const (
	MaxQueryTextLen  = 10000
	MaxQueries       = 1000
	MaxSurfaces      = 20
	MaxLocations     = 50
	MaxRetentionDays = 2555
	CellCountWarning = 10000
)

// Validate checks a decoded manifest against boundary constraints and the
// surface/location registries. It returns all field errors (empty means the
// manifest is valid) plus non-blocking warnings.
func Validate(m *Manifest, reg Registries, now time.Time) ([]FieldError, []Warning) {
	var errs []FieldError
	var warns []Warning

	fail := func(field, message, constraint string) {
		errs = append(errs, FieldError{Field: field, Message: message, Constraint: constraint})
	}
	warn := func(field, message string) {
		warns = append(warns, Warning{Field: field, Message: message})
	}

	if m.TenantID == "" {
		warn("tenantId", "no tenant set; account checkout will find no tenant-owned accounts")
	}

	// Queries.
	if len(m.Queries) < 1 {
		fail("queries", "at least one query is required", "min=1")
	}
	if len(m.Queries) > MaxQueries {
		fail("queries", fmt.Sprintf("too many queries: %d", len(m.Queries)), fmt.Sprintf("max=%d", MaxQueries))
	}
	for i, q := range m.Queries {
		if len(q.Text) < 1 {
			fail(fmt.Sprintf("queries[%d].text", i), "query text must not be empty", "minLength=1")
		}
		if len(q.Text) > MaxQueryTextLen {
			fail(fmt.Sprintf("queries[%d].text", i), "query text too long", fmt.Sprintf("maxLength=%d", MaxQueryTextLen))
		}
	}

	// Surfaces.
	if len(m.Surfaces) < 1 {
		fail("surfaces", "at least one surface is required", "min=1")
	}
	if len(m.Surfaces) > MaxSurfaces {
		fail("surfaces", fmt.Sprintf("too many surfaces: %d", len(m.Surfaces)), fmt.Sprintf("max=%d", MaxSurfaces))
	}
	for i, s := range m.Surfaces {
		if s.ID == "" {
			fail(fmt.Sprintf("surfaces[%d].id", i), "surface id must not be empty", "required")
			continue
		}
		if reg.HasSurface != nil && !reg.HasSurface(s.ID) {
			fail(fmt.Sprintf("surfaces[%d].id", i), fmt.Sprintf("unknown surface %q", s.ID), "registry")
		}
	}

	// Locations.
	if len(m.Locations) < 1 {
		fail("locations", "at least one location is required", "min=1")
	}
	if len(m.Locations) > MaxLocations {
		fail("locations", fmt.Sprintf("too many locations: %d", len(m.Locations)), fmt.Sprintf("max=%d", MaxLocations))
	}
	for i, l := range m.Locations {
		if l.ID == "" {
			fail(fmt.Sprintf("locations[%d].id", i), "location id must not be empty", "required")
			continue
		}
		if reg.HasLocation != nil && !reg.HasLocation(l.ID) {
			fail(fmt.Sprintf("locations[%d].id", i), fmt.Sprintf("unknown location %q", l.ID), "registry")
		}
		switch l.ProxyType {
		case ProxyResidential, ProxyDatacenter, ProxyMobile:
		default:
			fail(fmt.Sprintf("locations[%d].proxyType", i),
				fmt.Sprintf("invalid proxy type %q", l.ProxyType),
				"enum=residential|datacenter|mobile")
		}
		if l.SessionDuration > 0 && !l.RequireSticky {
			warn(fmt.Sprintf("locations[%d].sessionDurationMinutes", i),
				"session duration set without requireSticky; rotating proxies ignore it")
		}
	}

	// Deadline and retention.
	if !m.Deadline.IsZero() {
		if !m.Deadline.After(now) {
			fail("deadline", "deadline must be in the future", "future")
		} else if m.Deadline.Sub(now) < time.Hour {
			warn("deadline", "deadline is less than one hour away")
		}
	}
	if m.RetentionDays != 0 && (m.RetentionDays < 1 || m.RetentionDays > MaxRetentionDays) {
		fail("retentionDays", fmt.Sprintf("retention days out of range: %d", m.RetentionDays),
			fmt.Sprintf("range=1..%d", MaxRetentionDays))
	}
	if m.LegalHold && m.RetentionDays > 0 && m.RetentionDays < 30 {
		warn("retentionDays", "legal hold with short retention; evidence may expire before the hold clears")
	}

	// Completion criteria.
	if m.CompletionCriteria.CoverageThreshold < 0 || m.CompletionCriteria.CoverageThreshold > 1 {
		fail("completionCriteria.coverageThreshold",
			fmt.Sprintf("coverage threshold out of range: %v", m.CompletionCriteria.CoverageThreshold),
			"range=0..1")
	} else if m.CompletionCriteria.CoverageThreshold == 1.0 {
		warn("completionCriteria.coverageThreshold", "threshold 1.0 requires every required cell to succeed")
	}
	if m.CompletionCriteria.MaxRetriesPerCell != nil {
		warn("completionCriteria.maxRetriesPerCell",
			"deprecated; execution.retry.maxRetries is authoritative")
	}

	// Retry block.
	r := m.Execution.Retry
	if r.MaxRetries < 0 || r.MaxRetries > 10 {
		fail("execution.retry.maxRetries", fmt.Sprintf("out of range: %d", r.MaxRetries), "range=0..10")
	}
	if r.MaxRetries == 1 {
		warn("execution.retry.maxRetries", "a single retry rarely recovers transient surface failures")
	}
	if r.InitialDelayMs != 0 && (r.InitialDelayMs < 100 || r.InitialDelayMs > 60000) {
		fail("execution.retry.initialDelayMs", fmt.Sprintf("out of range: %d", r.InitialDelayMs), "range=100..60000")
	}
	if r.MaxDelayMs != 0 && (r.MaxDelayMs < 1000 || r.MaxDelayMs > 300000) {
		fail("execution.retry.maxDelayMs", fmt.Sprintf("out of range: %d", r.MaxDelayMs), "range=1000..300000")
	}
	if r.BackoffMultiplier != 0 && (r.BackoffMultiplier < 1 || r.BackoffMultiplier > 5) {
		fail("execution.retry.backoffMultiplier", fmt.Sprintf("out of range: %v", r.BackoffMultiplier), "range=1..5")
	}
	switch r.BackoffStrategy {
	case "", "fixed", "linear", "exponential":
	default:
		fail("execution.retry.backoffStrategy", fmt.Sprintf("invalid strategy %q", r.BackoffStrategy),
			"enum=fixed|linear|exponential")
	}

	// Concurrency.
	if m.Execution.ConcurrencyPerSurface != 0 && (m.Execution.ConcurrencyPerSurface < 1 || m.Execution.ConcurrencyPerSurface > 10) {
		fail("execution.concurrencyPerSurface", fmt.Sprintf("out of range: %d", m.Execution.ConcurrencyPerSurface), "range=1..10")
	}
	if m.Execution.MaxConcurrency != 0 && (m.Execution.MaxConcurrency < 1 || m.Execution.MaxConcurrency > 50) {
		fail("execution.maxConcurrency", fmt.Sprintf("out of range: %d", m.Execution.MaxConcurrency), "range=1..50")
	}

	switch m.Execution.ExecutionOrder {
	case "", OrderRoundRobin, OrderSurfaceFirst, OrderLocationFirst:
	default:
		fail("execution.executionOrder", fmt.Sprintf("invalid order %q", m.Execution.ExecutionOrder),
			"enum=round-robin|surface-first|location-first")
	}

	switch m.EvidenceLevel {
	case "", EvidenceFull, EvidenceMetadata, EvidenceNone:
	default:
		fail("evidenceLevel", fmt.Sprintf("invalid evidence level %q", m.EvidenceLevel), "enum=full|metadata|none")
	}

	switch m.SessionIsolation {
	case "", SessionShared, SessionDedicated:
	default:
		fail("sessionIsolation", fmt.Sprintf("invalid session isolation %q", m.SessionIsolation),
			"enum=shared|dedicated_per_study")
	}

	if total := m.TotalCells(); total > CellCountWarning {
		warn("", fmt.Sprintf("study expands to %d cells; expect a long run", total))
	}

	return errs, warns
}

// ApplyDefaults fills unset execution fields with system defaults. Called
// after validation so defaults never mask boundary errors.
func (m *Manifest) ApplyDefaults() {
	if m.Execution.Retry.InitialDelayMs == 0 {
		m.Execution.Retry.InitialDelayMs = 1000
	}
	if m.Execution.Retry.MaxDelayMs == 0 {
		m.Execution.Retry.MaxDelayMs = 30000
	}
	if m.Execution.Retry.BackoffMultiplier == 0 {
		m.Execution.Retry.BackoffMultiplier = 2
	}
	if m.Execution.Retry.BackoffStrategy == "" {
		m.Execution.Retry.BackoffStrategy = "exponential"
	}
	if m.Execution.ConcurrencyPerSurface == 0 {
		m.Execution.ConcurrencyPerSurface = 3
	}
	if m.Execution.MaxConcurrency == 0 {
		m.Execution.MaxConcurrency = 10
	}
	if m.Execution.ExecutionOrder == "" {
		m.Execution.ExecutionOrder = OrderRoundRobin
	}
	if m.Execution.Timeouts.QueryTimeoutMs == 0 {
		m.Execution.Timeouts.QueryTimeoutMs = 60000
	}
	if m.EvidenceLevel == "" {
		m.EvidenceLevel = EvidenceMetadata
	}
	if m.SessionIsolation == "" {
		m.SessionIsolation = SessionShared
	}
	if m.Execution.Checkpoint.SaveIntervalCells == 0 {
		m.Execution.Checkpoint.SaveIntervalCells = 10
	}
	if m.Execution.Checkpoint.SaveIntervalSeconds == 0 {
		m.Execution.Checkpoint.SaveIntervalSeconds = 60
	}
}
