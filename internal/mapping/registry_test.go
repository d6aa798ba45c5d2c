package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
	"github.com/cybertec-postgresql/exchange_sync/internal/validation"
)

// stubMapping is a minimal ObjectMapping for registry tests
type stubMapping struct {
	objectType string
	model      string
}

func (s *stubMapping) ObjectType() string { return s.objectType }
func (s *stubMapping) ModelClass() string { return s.model }
func (s *stubMapping) MapFrom(context.Context, WireObject) (Entity, error) {
	return Entity{Model: s.model}, nil
}
func (s *stubMapping) MapTo(Entity) (WireObject, error) { return WireObject{}, nil }
func (s *stubMapping) ValidateStructure(WireObject) validation.Result {
	return validation.Success()
}

func stub(objectType string) *stubMapping {
	return &stubMapping{objectType: objectType, model: ModelCatalogItem}
}

func TestExactMatchWinsOverEarlierPattern(t *testing.T) {
	r := NewRegistry("test", nil, nil)
	pattern := stub("Справочник.*")
	exact := stub("Справочник.Организации")
	require.NoError(t, r.Register("Справочник.*", pattern))
	require.NoError(t, r.Register("Справочник.Организации", exact))

	m, ok := r.Mapping("Справочник.Организации")
	require.True(t, ok)
	assert.Same(t, exact, m)

	m, ok = r.Mapping("Справочник.Валюты")
	require.True(t, ok)
	assert.Same(t, pattern, m)
}

func TestFirstRegisteredPatternWins(t *testing.T) {
	r := NewRegistry("test", nil, nil)
	broad := stub("A.*")
	narrow := stub("A.B*")
	require.NoError(t, r.Register("A.*", broad))
	require.NoError(t, r.Register("A.B*", narrow))

	m, ok := r.Mapping("A.Bcd")
	require.True(t, ok)
	assert.Same(t, broad, m)
}

func TestGlobSemantics(t *testing.T) {
	r := NewRegistry("test", nil, nil)
	require.NoError(t, r.Register("Документ.Счет?", stub("Документ.Счет?")))

	assert.True(t, r.Has("Документ.Счет1"), "? matches a single multi-byte rune as one character")
	assert.True(t, r.Has("Документ.СчетЖ"))
	assert.False(t, r.Has("Документ.Счет12"))
	assert.False(t, r.Has("документ.Счет1"), "matching is case-sensitive")
	assert.False(t, r.Has("Справочник.Банки"))
}

func TestRegisterOverwritesInPlace(t *testing.T) {
	r := NewRegistry("test", nil, nil)
	first := stub("X.*")
	second := stub("X.*")
	require.NoError(t, r.Register("X.*", first))
	require.NoError(t, r.Register("Y.*", stub("Y.*")))
	require.NoError(t, r.Register("X.*", second))

	m, _ := r.Mapping("X.a")
	assert.Same(t, second, m)
	assert.Equal(t, 2, r.Statistics().Total)
	assert.Equal(t, []Conflict{{Key: "X.*", Kind: MatchPattern}}, r.Conflicts("X.a"))
}

func TestRegisterAllFailsFast(t *testing.T) {
	r := NewRegistry("test", nil, nil)
	err := r.RegisterAll([]Registration{
		{Key: "A", Mapping: stub("A")},
		{Key: "B", Mapping: nil},
		{Key: "C", Mapping: stub("C")},
	})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindInvalidMapping, syncerr.KindOf(err))
	assert.False(t, syncerr.IsRetryable(err))
	assert.True(t, r.Has("A"))
	assert.False(t, r.Has("C"))

	err = r.RegisterAll([]Registration{{Key: "D", Mapping: stub("")}})
	assert.Equal(t, syncerr.KindInvalidMapping, syncerr.KindOf(err))
}

func TestSealedRegistryRejectsRegistration(t *testing.T) {
	r := NewRegistry("test", nil, nil)
	r.Seal()
	assert.ErrorIs(t, r.Register("A", stub("A")), ErrRegistrySealed)
}

func TestPriorityAndStatistics(t *testing.T) {
	r := NewRegistry("test", []string{"P.One", "P.Two", "P.Three"}, nil)
	require.NoError(t, r.Register("P.One", stub("P.One")))
	require.NoError(t, r.Register("P.T*", stub("P.T*")))

	assert.True(t, r.IsPriority("P.One"))
	assert.False(t, r.IsPriority("P.*"), "priority check is not pattern-aware")
	assert.Empty(t, r.MissingPriority(), "pattern covers P.Two and P.Three")

	s := r.Statistics()
	assert.Equal(t, Statistics{
		Total:                  2,
		Exact:                  1,
		Pattern:                1,
		PriorityTypes:          3,
		PriorityRegistered:     1,
		PriorityCompletionRate: 33.33,
	}, s)

	assert.Zero(t, NewRegistry("empty", nil, nil).Statistics().PriorityCompletionRate)
}

func TestValidateRegistry(t *testing.T) {
	r := NewRegistry("test", []string{"Need.Me", "Have.Me"}, NewModelSet(ModelCatalogItem))
	require.NoError(t, r.Register("Have.Me", stub("Have.Me")))
	require.NoError(t, r.Register("Have.*", stub("Have.Me")))
	require.NoError(t, r.Register("Odd", &stubMapping{objectType: "Odd", model: "ghost"}))

	res := r.Validate()
	assert.False(t, res.IsValid())
	assert.Len(t, res.ErrorsContaining("multiple keys"), 1)
	assert.Len(t, res.ErrorsContaining(`unknown model class "ghost"`), 1)
	assert.Equal(t, []string{"missing priority mappings: Need.Me"}, res.Warnings())
}

func TestConflicts(t *testing.T) {
	r := NewRegistry("test", nil, nil)
	require.NoError(t, r.Register("A.*", stub("A.*")))
	require.NoError(t, r.Register("A.Bcd", stub("A.Bcd")))
	require.NoError(t, r.Register("A.B*", stub("A.B*")))
	require.NoError(t, r.Register("Z.*", stub("Z.*")))

	assert.Equal(t, []Conflict{
		{Key: "A.*", Kind: MatchPattern},
		{Key: "A.Bcd", Kind: MatchExact},
		{Key: "A.B*", Kind: MatchPattern},
	}, r.Conflicts("A.Bcd"))
	assert.Empty(t, r.Conflicts("Q"))
}

func TestCatalogRegistries(t *testing.T) {
	br, err := NewBitrixRegistry(nil)
	require.NoError(t, err)
	res := br.Validate()
	assert.True(t, res.IsValid(), res.Errors())
	assert.False(t, res.HasWarnings())
	assert.Equal(t, 100.0, br.Statistics().PriorityCompletionRate)

	ed, err := NewEnterpriseDataRegistry(nil)
	require.NoError(t, err)
	res = ed.Validate()
	assert.True(t, res.IsValid(), res.Errors())
	assert.Equal(t, []string{"missing priority mappings: " + EDSale}, res.Warnings())
	assert.Equal(t, 71.43, ed.Statistics().PriorityCompletionRate)

	m, ok := ed.Mapping(EDCurrency)
	require.True(t, ok)
	assert.Equal(t, ModelCatalogItem, m.ModelClass())
}
