// Package manifest defines the declarative study manifest, its boundary
// validation, and the expansion of the {queries} x {surfaces} x {locations}
// matrix into cells.
package manifest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

// ProxyType classifies the proxy class a location requires.
type ProxyType string

const (
	ProxyResidential ProxyType = "residential"
	ProxyDatacenter  ProxyType = "datacenter"
	ProxyMobile      ProxyType = "mobile"
)

// EvidenceLevel controls how much evidence adapters must capture per cell.
type EvidenceLevel string

const (
	EvidenceFull     EvidenceLevel = "full"
	EvidenceMetadata EvidenceLevel = "metadata"
	EvidenceNone     EvidenceLevel = "none"
)

// SessionIsolation controls whether a study shares surface sessions with others.
type SessionIsolation string

const (
	SessionShared    SessionIsolation = "shared"
	SessionDedicated SessionIsolation = "dedicated_per_study"
)

// ExecutionOrder selects how the cell matrix is linearized into the ready queue.
type ExecutionOrder string

const (
	OrderRoundRobin    ExecutionOrder = "round-robin"
	OrderSurfaceFirst  ExecutionOrder = "surface-first"
	OrderLocationFirst ExecutionOrder = "location-first"
)

// QuerySpec is one query of the study.
type QuerySpec struct {
	Text     string   `json:"text" yaml:"text"`
	Category string   `json:"category,omitempty" yaml:"category,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// SurfaceConfig is one target surface. Required surfaces count toward
// completion; others are best-effort.
type SurfaceConfig struct {
	ID       string         `json:"id" yaml:"id"`
	Required bool           `json:"required" yaml:"required"`
	Options  map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// LocationConfig is one geo location of the matrix.
type LocationConfig struct {
	ID              string    `json:"id" yaml:"id"`
	ProxyType       ProxyType `json:"proxyType" yaml:"proxyType"`
	RequireSticky   bool      `json:"requireSticky" yaml:"requireSticky"`
	ProxyProvider   string    `json:"proxyProvider,omitempty" yaml:"proxyProvider,omitempty"`
	ProxyPool       string    `json:"proxyPool,omitempty" yaml:"proxyPool,omitempty"`
	SessionDuration int       `json:"sessionDurationMinutes,omitempty" yaml:"sessionDurationMinutes,omitempty"`
}

// CompletionCriteria declares when a study may complete.
type CompletionCriteria struct {
	RequiredSurfaceIDs      []string `json:"requiredSurfaceIds" yaml:"requiredSurfaceIds"`
	CoverageThreshold       float64  `json:"coverageThreshold" yaml:"coverageThreshold"`
	OptionalSurfaceIDs      []string `json:"optionalSurfaceIds,omitempty" yaml:"optionalSurfaceIds,omitempty"`
	MinSuccessRate          float64  `json:"minSuccessRate,omitempty" yaml:"minSuccessRate,omitempty"`
	ConsecutiveFailureLimit int      `json:"consecutiveFailureLimit,omitempty" yaml:"consecutiveFailureLimit,omitempty"`

	// Deprecated: execution.retry.maxRetries is authoritative.
	MaxRetriesPerCell *int `json:"maxRetriesPerCell,omitempty" yaml:"maxRetriesPerCell,omitempty"`
}

// QualityGates declares per-job output requirements.
type QualityGates struct {
	MinResponseLength    int      `json:"minResponseLength,omitempty" yaml:"minResponseLength,omitempty"`
	RequireActualContent bool     `json:"requireActualContent" yaml:"requireActualContent"`
	RequiredKeywords     []string `json:"requiredKeywords,omitempty" yaml:"requiredKeywords,omitempty"`
	ForbiddenKeywords    []string `json:"forbiddenKeywords,omitempty" yaml:"forbiddenKeywords,omitempty"`
}

// RetryConfig is the manifest-facing retry block.
type RetryConfig struct {
	MaxRetries        int             `json:"maxRetries" yaml:"maxRetries"`
	BackoffStrategy   string          `json:"backoffStrategy" yaml:"backoffStrategy"`
	InitialDelayMs    int             `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs        int             `json:"maxDelayMs" yaml:"maxDelayMs"`
	BackoffMultiplier float64         `json:"backoffMultiplier" yaml:"backoffMultiplier"`
	Jitter            bool            `json:"jitter" yaml:"jitter"`
	RetryConditions   map[string]bool `json:"retryConditions,omitempty" yaml:"retryConditions,omitempty"`
}

// CheckpointConfig is the manifest-facing auto-checkpoint block.
type CheckpointConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	SaveIntervalCells   int  `json:"saveIntervalCells" yaml:"saveIntervalCells"`
	SaveIntervalSeconds int  `json:"saveIntervalSeconds" yaml:"saveIntervalSeconds"`
	PreserveCheckpoint  bool `json:"preserveCheckpoint" yaml:"preserveCheckpoint"`
}

// TimeoutConfig bounds adapter calls at three scopes.
type TimeoutConfig struct {
	QueryTimeoutMs   int `json:"queryTimeoutMs" yaml:"queryTimeoutMs"`
	SurfaceTimeoutMs int `json:"surfaceTimeoutMs,omitempty" yaml:"surfaceTimeoutMs,omitempty"`
	StudyTimeoutMs   int `json:"studyTimeoutMs,omitempty" yaml:"studyTimeoutMs,omitempty"`
}

// ExecutionConfig tunes scheduling, retry, and checkpointing.
type ExecutionConfig struct {
	Retry                 RetryConfig      `json:"retry" yaml:"retry"`
	Checkpoint            CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Timeouts              TimeoutConfig    `json:"timeouts" yaml:"timeouts"`
	ConcurrencyPerSurface int              `json:"concurrencyPerSurface" yaml:"concurrencyPerSurface"`
	MaxConcurrency        int              `json:"maxConcurrency" yaml:"maxConcurrency"`
	QueryDelayMs          [2]int           `json:"queryDelayMs" yaml:"queryDelayMs"`
	ShuffleQueries        bool             `json:"shuffleQueries" yaml:"shuffleQueries"`
	ExecutionOrder        ExecutionOrder   `json:"executionOrder" yaml:"executionOrder"`
}

// Manifest is the immutable study definition.
type Manifest struct {
	Name               string             `json:"name" yaml:"name"`
	TenantID           string             `json:"tenantId" yaml:"tenantId"`
	Queries            []QuerySpec        `json:"queries" yaml:"queries"`
	Surfaces           []SurfaceConfig    `json:"surfaces" yaml:"surfaces"`
	Locations          []LocationConfig   `json:"locations" yaml:"locations"`
	CompletionCriteria CompletionCriteria `json:"completionCriteria" yaml:"completionCriteria"`
	QualityGates       QualityGates       `json:"qualityGates" yaml:"qualityGates"`
	Execution          ExecutionConfig    `json:"execution" yaml:"execution"`
	EvidenceLevel      EvidenceLevel      `json:"evidenceLevel" yaml:"evidenceLevel"`
	LegalHold          bool               `json:"legalHold" yaml:"legalHold"`
	RetentionDays      int                `json:"retentionDays" yaml:"retentionDays"`
	Deadline           time.Time          `json:"deadline" yaml:"deadline"`
	SessionIsolation   SessionIsolation   `json:"sessionIsolation" yaml:"sessionIsolation"`
}

// Decode parses a manifest document. YAML and JSON are both accepted.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// TotalCells returns |queries| * |surfaces| * |locations|.
func (m *Manifest) TotalCells() int {
	return len(m.Queries) * len(m.Surfaces) * len(m.Locations)
}

// SurfaceRequired reports whether the given surface counts toward completion.
func (m *Manifest) SurfaceRequired(surfaceID string) bool {
	for _, s := range m.Surfaces {
		if s.ID == surfaceID {
			return s.Required
		}
	}
	return false
}

// Fingerprint is a stable 128-bit identity of the manifest content. It seeds
// the shuffle PRNG and guards checkpoint resume against a changed manifest.
func (m *Manifest) Fingerprint() string {
	canonical, err := json.Marshal(m)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep a defined value anyway.
		canonical = []byte(m.Name)
	}
	h := xxh3.Hash128(canonical)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], h.Lo)
	binary.LittleEndian.PutUint64(buf[8:], h.Hi)
	return fmt.Sprintf("%x", buf)
}

// Cell is one point of the study matrix.
type Cell struct {
	QueryIndex int    `json:"queryIndex"`
	SurfaceID  string `json:"surfaceId"`
	LocationID string `json:"locationId"`
}

// Key returns the canonical cell identity "{queryIndex}-{surfaceId}-{locationId}".
// It is stable across runs of the same manifest.
func (c Cell) Key() string {
	return fmt.Sprintf("%d-%s-%s", c.QueryIndex, c.SurfaceID, c.LocationID)
}

// ParseCellKey parses a canonical cell key back into a Cell. Surface and
// location IDs themselves may contain '-', so only the first separator is
// structural; the remainder is split at the last separator of the surface
// registry boundary. Keys produced by Cell.Key with surface IDs free of the
// location ID suffix parse unambiguously when the caller supplies the
// surface ID set.
func ParseCellKey(key string, surfaceIDs []string) (Cell, error) {
	i := strings.IndexByte(key, '-')
	if i <= 0 {
		return Cell{}, fmt.Errorf("parse cell key %q: missing query index", key)
	}
	qi, err := strconv.Atoi(key[:i])
	if err != nil {
		return Cell{}, fmt.Errorf("parse cell key %q: %w", key, err)
	}
	rest := key[i+1:]
	for _, sid := range surfaceIDs {
		if strings.HasPrefix(rest, sid+"-") {
			return Cell{QueryIndex: qi, SurfaceID: sid, LocationID: rest[len(sid)+1:]}, nil
		}
	}
	return Cell{}, fmt.Errorf("parse cell key %q: unknown surface", key)
}
