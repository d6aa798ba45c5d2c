package mapping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
)

type refsFunc func(model, key string) (bool, error)

func (f refsFunc) Exists(_ context.Context, model, key string) (bool, error) {
	return f(model, key)
}

func bitrixMapping(t *testing.T, objectType string, refs RefResolver) ObjectMapping {
	t.Helper()
	r := NewRegistry("test", nil, nil)
	require.NoError(t, r.RegisterAll(BitrixMappings(refs)))
	m, ok := r.Mapping(objectType)
	require.True(t, ok)
	return m
}

func TestFieldMappingMapFrom(t *testing.T) {
	m := bitrixMapping(t, BitrixCompany, nil)
	e, err := m.MapFrom(context.Background(), WireObject{
		"ID":             "17",
		"TITLE":          "ООО Ромашка",
		"ASSIGNED_BY_ID": "5",
		"DATE_MODIFY":    "2024-03-01T10:00:00+03:00",
		"UF_CRM_INN":     "7701234567",
	})
	require.NoError(t, err)
	assert.Equal(t, ModelCompany, e.Model)
	assert.Equal(t, "17", e.Key)
	assert.Equal(t, "ООО Ромашка", e.Attributes["title"])
	assert.Equal(t, int64(5), e.Attributes["assigned_by_id"])
	assert.True(t, e.ModifiedAt.Equal(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)))
	assert.NotContains(t, e.Attributes, "industry")
}

func TestFieldMappingValidateStructure(t *testing.T) {
	m := bitrixMapping(t, BitrixCompany, nil)

	res := m.ValidateStructure(WireObject{"TITLE": "", "ASSIGNED_BY_ID": "five", "DATE_MODIFY": "yesterday"})
	assert.False(t, res.IsValid())
	assert.Len(t, res.ErrorsContaining("key field ID"), 1)
	assert.Len(t, res.ErrorsContaining("required field TITLE"), 1)
	assert.Len(t, res.ErrorsContaining("ASSIGNED_BY_ID"), 1)
	assert.Len(t, res.ErrorsContaining("DATE_MODIFY"), 1)
	assert.Equal(t, []string{"recommended field UF_CRM_INN is empty"}, res.Warnings())

	_, err := m.MapFrom(context.Background(), WireObject{"ID": "1"})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}

func TestFieldMappingRefs(t *testing.T) {
	synced := map[string]bool{"company/1": true}
	refs := refsFunc(func(model, key string) (bool, error) {
		if key == "err" {
			return false, errors.New("cache down")
		}
		return synced[model+"/"+key], nil
	})
	m := bitrixMapping(t, BitrixContact, refs)

	e, err := m.MapFrom(context.Background(), WireObject{"ID": "9", "NAME": "Иван", "COMPANY_ID": "1"})
	require.NoError(t, err)
	assert.Equal(t, "1", e.Attributes["company_key"])

	_, err = m.MapFrom(context.Background(), WireObject{"ID": "9", "NAME": "Иван", "COMPANY_ID": "2"})
	assert.Equal(t, syncerr.KindDependencyNotReady, syncerr.KindOf(err))
	assert.True(t, syncerr.IsRetryable(err))

	_, err = m.MapFrom(context.Background(), WireObject{"ID": "9", "NAME": "Иван", "COMPANY_ID": "err"})
	assert.Equal(t, syncerr.KindTransient, syncerr.KindOf(err))

	_, err = m.MapFrom(context.Background(), WireObject{"ID": "9", "NAME": "Иван"})
	assert.NoError(t, err, "absent optional reference is not resolved")
}

func TestFieldMappingZeroRefIsAbsent(t *testing.T) {
	refs := refsFunc(func(model, key string) (bool, error) {
		t.Fatalf("%s %s must not be resolved", model, key)
		return false, nil
	})

	contact := bitrixMapping(t, BitrixContact, refs)
	e, err := contact.MapFrom(context.Background(), WireObject{"ID": "9", "NAME": "Иван", "COMPANY_ID": "0"})
	require.NoError(t, err)
	assert.NotContains(t, e.Attributes, "company_key")

	contract := bitrixMapping(t, BitrixContract, refs)
	obj := WireObject{"id": float64(4), "title": "Договор", "companyId": float64(0)}
	res := contract.ValidateStructure(obj)
	assert.False(t, res.IsValid())
	assert.NotEmpty(t, res.ErrorsContaining("required field companyId is missing"))

	_, err = contract.MapFrom(context.Background(), obj)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err), "no retry for an unlinked company")
}

func TestFieldMappingMapTo(t *testing.T) {
	m := bitrixMapping(t, BitrixProduct, nil)
	modified := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	obj, err := m.MapTo(Entity{
		Model:      ModelProduct,
		Key:        "300",
		ModifiedAt: modified,
		Attributes: map[string]any{"name": "Кабель", "price": 15.5, "active": true},
	})
	require.NoError(t, err)
	assert.Equal(t, WireObject{
		"ID":          "300",
		"TIMESTAMP_X": "2024-05-02T12:00:00Z",
		"NAME":        "Кабель",
		"PRICE":       "15.5",
		"ACTIVE":      "true",
	}, obj)

	_, err = m.MapTo(Entity{Model: ModelCompany, Key: "1"})
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}

func TestConvert(t *testing.T) {
	v, err := convert(FieldFloat, "12,50")
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	v, err = convert(FieldBool, "Y")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = convert(FieldInt, float64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = convert(FieldTime, "2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), v)

	_, err = convert(FieldBool, "maybe")
	assert.Error(t, err)
}

func TestWireObjectRepeatedValues(t *testing.T) {
	obj := WireObject{"Телефон": []any{"+7 495 000", "+7 495 111"}, "empty": []any{}}
	assert.Equal(t, "+7 495 000", obj.String("Телефон"))
	assert.Equal(t, "", obj.String("empty"))
	assert.Equal(t, "", obj.String("missing"))
}
