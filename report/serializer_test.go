package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-coverage/aggregator"
	"github.com/ethereum-optimism/infra/op-coverage/types"
)

func fixedClock() func() time.Time {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func frozenModel(t *testing.T) *aggregator.Model {
	t.Helper()
	m := aggregator.NewModel()

	trace := types.NewCoverageTrace("core")
	trace.AddLineHits("pkg/a/a.go", 3, 5, 2)
	trace.AddLineHits("pkg/a/a.go", 8, 9, 0)
	trace.AddLineHits("pkg/b/b.go", 1, 2, 1)
	trace.AddBranchArm("pkg/a/a.go", types.BranchArm{ID: "3.13", StartLine: 3, EndLine: 5, Taken: 2})
	trace.AddBranchArm("pkg/a/a.go", types.BranchArm{ID: "3.20", StartLine: 3, EndLine: 7, Taken: 0})
	require.NoError(t, m.Merge(trace))

	m.Freeze()
	return m
}

func TestSerializeRequiresFrozenModel(t *testing.T) {
	s := NewSerializer()
	_, err := s.Serialize(aggregator.NewModel(), SchemaCobertura)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")
}

func TestSerializeUnsupportedSchema(t *testing.T) {
	s := NewSerializer()
	_, err := s.Serialize(frozenModel(t), "junit")
	require.Error(t, err)
	assert.True(t, types.IsUnsupportedSchema(err))
}

func TestSerializeCobertura(t *testing.T) {
	s := NewSerializer(WithClock(fixedClock()))
	rep, err := s.Serialize(frozenModel(t), SchemaCobertura)
	require.NoError(t, err)
	assert.Equal(t, SchemaCobertura, rep.Schema)

	body := string(rep.Body)
	assert.True(t, strings.HasPrefix(body, "<?xml"))
	assert.Contains(t, body, `lines-covered="5"`)
	assert.Contains(t, body, `lines-valid="7"`)
	assert.Contains(t, body, `branches-covered="1"`)
	assert.Contains(t, body, `branches-valid="2"`)
	assert.Contains(t, body, `filename="pkg/a/a.go"`)
	assert.Contains(t, body, `condition-coverage="50% (1/2)"`)
	assert.Contains(t, body, `<line number="8" hits="0"`)
}

func TestSerializeDeterminism(t *testing.T) {
	model := frozenModel(t)
	s := NewSerializer(WithClock(fixedClock()))

	for _, schema := range SupportedSchemas {
		t.Run(schema, func(t *testing.T) {
			first, err := s.Serialize(model, schema)
			require.NoError(t, err)
			second, err := s.Serialize(model, schema)
			require.NoError(t, err)
			assert.Equal(t, first.Body, second.Body)
		})
	}
}

func TestSerializeTimestampIsTheOnlyVariance(t *testing.T) {
	model := frozenModel(t)

	early := NewSerializer(WithClock(fixedClock()))
	late := NewSerializer(WithClock(func() func() time.Time {
		ts := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
		return func() time.Time { return ts }
	}()))

	a, err := early.Serialize(model, SchemaCobertura)
	require.NoError(t, err)
	b, err := late.Serialize(model, SchemaCobertura)
	require.NoError(t, err)

	docA, err := ParseCobertura(a.Body)
	require.NoError(t, err)
	docB, err := ParseCobertura(b.Body)
	require.NoError(t, err)

	assert.NotEqual(t, docA.Timestamp, docB.Timestamp)
	docB.Timestamp = docA.Timestamp
	reA, err := MarshalCobertura(docA)
	require.NoError(t, err)
	reB, err := MarshalCobertura(docB)
	require.NoError(t, err)
	assert.Equal(t, reA, reB)
}

func TestCoberturaRoundTrip(t *testing.T) {
	s := NewSerializer(WithClock(fixedClock()))
	rep, err := s.Serialize(frozenModel(t), SchemaCobertura)
	require.NoError(t, err)

	doc, err := ParseCobertura(rep.Body)
	require.NoError(t, err)

	reserialized, err := MarshalCobertura(doc)
	require.NoError(t, err)
	assert.Equal(t, rep.Body, reserialized, "parse then re-serialize must reproduce the original bytes")
}

func TestSerializeLCOV(t *testing.T) {
	s := NewSerializer()
	rep, err := s.Serialize(frozenModel(t), SchemaLCOV)
	require.NoError(t, err)

	body := string(rep.Body)
	assert.Contains(t, body, "SF:pkg/a/a.go\n")
	assert.Contains(t, body, "DA:3,2\n")
	assert.Contains(t, body, "DA:8,0\n")
	assert.Contains(t, body, "BRDA:3,0,3.13,2\n")
	assert.Contains(t, body, "BRDA:3,0,3.20,-\n")
	assert.Contains(t, body, "LF:5\n")
	assert.Contains(t, body, "LH:3\n")
	assert.Equal(t, 2, strings.Count(body, "end_of_record\n"))
}
