package erfid

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUUIDFormat(t *testing.T) {
	gen, err := New(Options{})
	require.NoError(t, err)

	id := gen.Generate()
	assert.True(t, strings.HasPrefix(id, "erf_"), "id %q should carry the default prefix", id)
	assert.True(t, gen.Validate(id), "generated id %q should validate", id)
}

func TestGenerateNanoFormat(t *testing.T) {
	gen, err := New(Options{Prefix: "req", Format: FormatNano})
	require.NoError(t, err)

	id := gen.Generate()
	p, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "req", p.Prefix)
	assert.Len(t, p.BaseID, 21)
	assert.True(t, gen.Validate(id))
}

func TestGenerateWithTimestamp(t *testing.T) {
	gen, err := New(Options{Format: FormatUUID, IncludeTimestamp: true})
	require.NoError(t, err)

	before := time.Now().Add(-time.Second)
	id := gen.Generate()
	after := time.Now().Add(time.Second)

	p, err := Parse(id)
	require.NoError(t, err)
	require.NotNil(t, p.Timestamp)
	assert.True(t, p.Timestamp.After(before) && p.Timestamp.Before(after),
		"timestamp %v outside [%v, %v]", p.Timestamp, before, after)
	assert.True(t, gen.Validate(id))
}

func TestCustomGenerator(t *testing.T) {
	gen, err := New(Options{Format: FormatCustom, Generator: func() string { return "fixed-base" }})
	require.NoError(t, err)

	id := gen.Generate()
	assert.Equal(t, "erf_fixed-base", id)
	assert.True(t, gen.Validate(id))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Format: FormatCustom})
	assert.Error(t, err, "custom without generator")

	_, err = New(Options{Format: FormatUUID, Generator: func() string { return "x" }})
	assert.Error(t, err, "generator forbidden outside custom")

	_, err = New(Options{Format: Format("ulid")})
	assert.Error(t, err, "unknown format")

	_, err = New(Options{Prefix: "bad_prefix"})
	assert.Error(t, err, "underscore in prefix")
}

func TestParseRecoversConfiguredShape(t *testing.T) {
	cases := []Options{
		{Prefix: "erf", Format: FormatUUID},
		{Prefix: "erf", Format: FormatUUID, IncludeTimestamp: true},
		{Prefix: "trk", Format: FormatNano},
		{Prefix: "trk", Format: FormatNano, IncludeTimestamp: true},
	}
	for _, opts := range cases {
		gen, err := New(opts)
		require.NoError(t, err)

		id := gen.Generate()
		p, err := Parse(id)
		require.NoError(t, err, "id %q", id)
		assert.Equal(t, opts.Prefix, p.Prefix)
		assert.Equal(t, opts.IncludeTimestamp, p.Timestamp != nil)
		assert.True(t, gen.Validate(id), "id %q under %+v", id, opts)
	}
}

func TestParseBareBaseID(t *testing.T) {
	p, err := Parse("5f2c1f77c11d4e3d9f0a8e6b7c5d4e3f")
	require.NoError(t, err)
	assert.Empty(t, p.Prefix)
	assert.Nil(t, p.Timestamp)
	assert.NotEmpty(t, p.BaseID)
}

func TestParseNanoWithUnderscores(t *testing.T) {
	// Nano ids may legitimately contain underscores; the parser must rejoin.
	id := "erf_aB_cD-eF12345678901_2"
	p, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "erf", p.Prefix)
	assert.Equal(t, "aB_cD-eF12345678901_2", p.BaseID)
}

func TestValidateRejectsForeignIDs(t *testing.T) {
	gen, err := New(Options{Prefix: "erf", Format: FormatUUID})
	require.NoError(t, err)

	nanoGen, err := New(Options{Prefix: "erf", Format: FormatNano})
	require.NoError(t, err)

	uuidID := gen.Generate()
	nanoID := nanoGen.Generate()

	assert.False(t, gen.Validate(nanoID), "uuid generator must reject nano id")
	assert.False(t, nanoGen.Validate(uuidID), "nano generator must reject uuid id")
	assert.False(t, gen.Validate("other_"+strings.TrimPrefix(uuidID, "erf_")), "prefix mismatch")
	assert.False(t, gen.Validate(""), "empty id")
}

func TestNanoIDUniquenessAndAlphabet(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := nanoID()
		require.Len(t, id, 21)
		for _, r := range id {
			assert.Contains(t, nanoAlphabet, string(r))
		}
		_, dup := seen[id]
		require.False(t, dup, "duplicate nano id %q", id)
		seen[id] = struct{}{}
	}
}
