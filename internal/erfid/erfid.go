// Package erfid generates and validates the request-tracking identifier
// attached to every submission. The id travels through logs, persisted rows
// and the X-Request-Id response header, so its format is stable and
// parseable: prefix_[timestamp_]baseId.
package erfid

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format selects the base-id shape.
type Format string

const (
	FormatUUID   Format = "uuid"
	FormatNano   Format = "nano"
	FormatCustom Format = "custom"
)

const (
	// DefaultPrefix is prepended with an underscore separator.
	DefaultPrefix = "erf"

	// nanoAlphabet is URL-safe; 64 symbols so a random byte maps with a mask.
	nanoAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
	nanoLength   = 21

	timestampDigits = 13
)

var (
	uuidV4Pattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
	nanoPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{21}$`)
)

// Options configures a Generator. Generator is required when Format is
// custom and forbidden otherwise.
type Options struct {
	Prefix           string
	Format           Format
	Generator        func() string
	IncludeTimestamp bool
}

// Generator produces erfids for one process configuration. Construct it at
// the composition root and inject it; there is no package-level default.
type Generator struct {
	opts Options
}

// New validates the options and returns a Generator.
func New(opts Options) (*Generator, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if strings.Contains(opts.Prefix, "_") {
		return nil, fmt.Errorf("erfid: prefix %q must not contain underscores", opts.Prefix)
	}
	if opts.Format == "" {
		opts.Format = FormatUUID
	}
	switch opts.Format {
	case FormatUUID, FormatNano:
		if opts.Generator != nil {
			return nil, fmt.Errorf("erfid: generator is only allowed with format custom")
		}
	case FormatCustom:
		if opts.Generator == nil {
			return nil, fmt.Errorf("erfid: format custom requires a generator")
		}
	default:
		return nil, fmt.Errorf("erfid: unknown format %q", opts.Format)
	}
	return &Generator{opts: opts}, nil
}

// Generate returns a new id: prefix_[timestamp_]baseId.
func (g *Generator) Generate() string {
	var sb strings.Builder
	sb.WriteString(g.opts.Prefix)
	sb.WriteByte('_')
	if g.opts.IncludeTimestamp {
		sb.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 10))
		sb.WriteByte('_')
	}
	sb.WriteString(g.baseID())
	return sb.String()
}

func (g *Generator) baseID() string {
	switch g.opts.Format {
	case FormatNano:
		return nanoID()
	case FormatCustom:
		return g.opts.Generator()
	default:
		return uuid.NewString()
	}
}

// nanoID builds a 21-character URL-safe id from crypto/rand. The alphabet
// has exactly 64 symbols, so masking a byte keeps the distribution uniform.
func nanoID() string {
	buf := make([]byte, nanoLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has no entropy source;
		// fall back to a uuid so ids stay unique.
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:nanoLength]
	}
	out := make([]byte, nanoLength)
	for i, b := range buf {
		out[i] = nanoAlphabet[b&63]
	}
	return string(out)
}

// Parsed is the decomposition of an erfid.
type Parsed struct {
	Prefix    string
	Timestamp *time.Time
	BaseID    string
}

// Parse splits an id into prefix, optional timestamp and base id. It
// understands 1, 2 or 3 underscore-separated sections; a section of exactly
// 13 digits after the prefix is the millisecond timestamp. Nano base ids may
// themselves contain underscores, so everything after the recognized
// sections is rejoined into the base id.
func Parse(id string) (*Parsed, error) {
	if id == "" {
		return nil, fmt.Errorf("erfid: empty id")
	}
	parts := strings.Split(id, "_")
	if len(parts) == 1 {
		return &Parsed{BaseID: parts[0]}, nil
	}

	p := &Parsed{Prefix: parts[0]}
	rest := parts[1:]
	if len(rest) >= 2 && isTimestamp(rest[0]) {
		ms, _ := strconv.ParseInt(rest[0], 10, 64)
		ts := time.UnixMilli(ms).UTC()
		p.Timestamp = &ts
		rest = rest[1:]
	}
	p.BaseID = strings.Join(rest, "_")
	if p.BaseID == "" {
		return nil, fmt.Errorf("erfid: %q has no base id", id)
	}
	return p, nil
}

func isTimestamp(s string) bool {
	if len(s) != timestampDigits {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Validate reports whether id was produced by a generator with this
// configuration: prefix matches, the timestamp section is present exactly
// when configured, and the base id has the format-specific shape.
func (g *Generator) Validate(id string) bool {
	p, err := Parse(id)
	if err != nil {
		return false
	}
	if p.Prefix != g.opts.Prefix {
		return false
	}
	if g.opts.IncludeTimestamp != (p.Timestamp != nil) {
		return false
	}
	switch g.opts.Format {
	case FormatUUID:
		return uuidV4Pattern.MatchString(p.BaseID)
	case FormatNano:
		return nanoPattern.MatchString(p.BaseID)
	case FormatCustom:
		return p.BaseID != ""
	}
	return false
}

// Prefix exposes the configured prefix (used by log correlation).
func (g *Generator) Prefix() string { return g.opts.Prefix }

// Format exposes the configured format.
func (g *Generator) Format() Format { return g.opts.Format }
