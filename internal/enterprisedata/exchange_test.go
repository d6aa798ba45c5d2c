package enterprisedata

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
	"github.com/cybertec-postgresql/exchange_sync/internal/store"
	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
)

const sampleMessage = `<?xml version="1.0" encoding="UTF-8"?>
<Message xmlns:msg="http://www.1c.ru/SSL/Exchange/Message" xmlns:xs="http://www.w3.org/2001/XMLSchema">
  <msg:Header>
    <msg:Format>http://v8.1c.ru/edi/edi_stnd/EnterpriseData/1.8</msg:Format>
    <msg:CreationDate>2024-03-01T10:15:00</msg:CreationDate>
    <msg:Confirmation>
      <msg:ExchangePlan>СинхронизацияДанныхЧерезУниверсальныйФормат</msg:ExchangePlan>
      <msg:To>CRM</msg:To>
      <msg:From>BUH</msg:From>
      <msg:MessageNo>42</msg:MessageNo>
      <msg:ReceivedNo>41</msg:ReceivedNo>
    </msg:Confirmation>
    <msg:AvailableVersion>1.8</msg:AvailableVersion>
  </msg:Header>
  <Body xmlns="http://v8.1c.ru/edi/edi_stnd/EnterpriseData/1.8">
    <Справочник.ДоговорыКонтрагентов>
      <КлючевыеСвойства>
        <Ссылка>c-1</Ссылка>
        <Наименование>Договор поставки</Наименование>
        <Номер>17</Номер>
        <Контрагент>
          <Ссылка>k-1</Ссылка>
        </Контрагент>
      </КлючевыеСвойства>
    </Справочник.ДоговорыКонтрагентов>
    <Справочник.Контрагенты>
      <КлючевыеСвойства>
        <Ссылка>k-1</Ссылка>
        <Наименование>ООО Ромашка</Наименование>
        <ИНН>7707083893</ИНН>
      </КлючевыеСвойства>
    </Справочник.Контрагенты>
    <Справочник.Организации>
      <КлючевыеСвойства>
        <Ссылка>o-1</Ссылка>
        <Наименование>Без ИНН</Наименование>
      </КлючевыеСвойства>
    </Справочник.Организации>
    <Документ.ПоступлениеТоваровУслуг>
      <КлючевыеСвойства>
        <Ссылка>d-1</Ссылка>
      </КлючевыеСвойства>
    </Документ.ПоступлениеТоваровУслуг>
  </Body>
</Message>`

type memoryStore struct {
	entities map[string]mapping.Entity
	err      error
}

func newMemoryStore() *memoryStore { return &memoryStore{entities: map[string]mapping.Entity{}} }

func (s *memoryStore) Upsert(_ context.Context, e mapping.Entity) (store.UpsertResult, error) {
	if s.err != nil {
		return store.Unchanged, s.err
	}
	if _, ok := s.entities[e.Model+"/"+e.Key]; ok {
		s.entities[e.Model+"/"+e.Key] = e
		return store.Updated, nil
	}
	s.entities[e.Model+"/"+e.Key] = e
	return store.Created, nil
}

func (s *memoryStore) Exists(_ context.Context, model, key string) (bool, error) {
	_, ok := s.entities[model+"/"+key]
	return ok, nil
}

func newRegistry(t *testing.T, refs mapping.RefResolver) *mapping.Registry {
	t.Helper()
	reg, err := mapping.NewEnterpriseDataRegistry(refs)
	require.NoError(t, err)
	reg.Seal()
	return reg
}

func TestDecode(t *testing.T) {
	msg, err := Decode(strings.NewReader(sampleMessage))
	require.NoError(t, err)

	assert.Equal(t, NamespaceFormat, msg.Header.Format)
	assert.Equal(t, "BUH", msg.Header.From)
	assert.Equal(t, "CRM", msg.Header.To)
	assert.Equal(t, int64(42), msg.Header.MessageNo)
	assert.Equal(t, int64(41), msg.Header.ReceivedNo)
	assert.Equal(t, []string{"1.8"}, msg.Header.AvailableVersions)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), msg.Header.CreationDate)

	require.Len(t, msg.Objects, 4)
	contract := msg.Objects[0]
	assert.Equal(t, mapping.EDContract, contract.Type)
	assert.Equal(t, "c-1", contract.Fields.String("КлючевыеСвойства.Ссылка"))
	assert.Equal(t, "k-1", contract.Fields.String("КлючевыеСвойства.Контрагент.Ссылка"))
	assert.NotContains(t, contract.Fields, "КлючевыеСвойства", "only leaves are flattened")
}

func TestDecodeRepeatedElements(t *testing.T) {
	body := `<Message><Body><Документ.РеализацияТоваровУслуг>
		<Товары><Строка><Количество>1</Количество></Строка><Строка><Количество>3</Количество></Строка></Товары>
	</Документ.РеализацияТоваровУслуг></Body></Message>`
	msg, err := Decode(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, msg.Objects, 1)
	assert.Equal(t, []any{"1", "3"}, msg.Objects[0].Fields["Товары.Строка.Количество"])
	assert.Equal(t, "1", msg.Objects[0].Fields.String("Товары.Строка.Количество"))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(strings.NewReader(`<Message><msg:Header xmlns:msg="x"></msg:Header></Message>`))
	assert.ErrorIs(t, err, ErrNoBody)

	_, err = Decode(strings.NewReader(`<Message><Body><A>`))
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(`<Message><Header><Confirmation><MessageNo>x</MessageNo></Confirmation></Header><Body/></Message>`))
	assert.ErrorContains(t, err, "MessageNo")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	header := Header{
		CreationDate: time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC),
		ExchangePlan: "Обмен",
		From:         "CRM",
		To:           "BUH",
		MessageNo:    7,
	}
	objects := []Object{{
		Type: mapping.EDCounterparty,
		Fields: mapping.WireObject{
			"КлючевыеСвойства.Ссылка":       "k-1",
			"КлючевыеСвойства.Наименование": "ООО <Ромашка> & Co",
			"Телефоны.Номер":                []any{"1", "2"},
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, header, objects))
	assert.Contains(t, buf.String(), `<msg:Header>`)
	assert.Contains(t, buf.String(), `&lt;Ромашка&gt; &amp; Co`)

	msg, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, NamespaceFormat, msg.Header.Format)
	assert.Equal(t, header.CreationDate, msg.Header.CreationDate)
	assert.Equal(t, "CRM", msg.Header.From)
	assert.Equal(t, int64(7), msg.Header.MessageNo)
	require.Len(t, msg.Objects, 1)
	assert.Equal(t, objects[0], msg.Objects[0])
}

func TestEncodeRejectsUntypedObject(t *testing.T) {
	err := Encode(&bytes.Buffer{}, Header{}, []Object{{Fields: mapping.WireObject{"a": "b"}}})
	assert.Error(t, err)
}

func TestImport(t *testing.T) {
	entities := newMemoryStore()
	report, err := Import(context.Background(), newRegistry(t, entities), entities, strings.NewReader(sampleMessage))
	require.NoError(t, err)

	assert.Equal(t, 4, report.Objects)
	assert.Equal(t, 2, report.Created, "contract is stored once its counterparty is")
	assert.Equal(t, 1, report.Invalid)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Deferred)
	assert.Equal(t, int64(42), report.Header.MessageNo)

	assert.False(t, report.Validation.IsValid())
	assert.NotEmpty(t, report.Validation.ErrorsContaining("o-1: required field КлючевыеСвойства.ИНН is missing"))
	assert.NotEmpty(t, report.Validation.WarningsContaining("Документ.ПоступлениеТоваровУслуг"))

	contract, ok := entities.entities[mapping.ModelContract+"/c-1"]
	require.True(t, ok)
	assert.Equal(t, "k-1", contract.Attributes["counterparty_key"])
}

func TestImportDefersUnresolvableReferences(t *testing.T) {
	msg := `<Message><Body><Справочник.ДоговорыКонтрагентов><КлючевыеСвойства>
		<Ссылка>c-2</Ссылка><Наименование>Договор</Наименование><Контрагент><Ссылка>missing</Ссылка></Контрагент>
	</КлючевыеСвойства></Справочник.ДоговорыКонтрагентов></Body></Message>`
	entities := newMemoryStore()
	report, err := Import(context.Background(), newRegistry(t, entities), entities, strings.NewReader(msg))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Empty(t, entities.entities)
	assert.NotEmpty(t, report.Validation.WarningsContaining("referenced entity is missing"))
}

func TestImportMissingPriorityMapping(t *testing.T) {
	reg := mapping.NewRegistry("empty", mapping.EnterpriseDataPriorityTypes, mapping.KnownModels)
	_, err := Import(context.Background(), reg, newMemoryStore(), strings.NewReader(sampleMessage))
	assert.Equal(t, syncerr.KindMappingNotFound, syncerr.KindOf(err))
}

func TestImportStoreFailure(t *testing.T) {
	entities := newMemoryStore()
	entities.err = errors.New("connection refused")
	_, err := Import(context.Background(), newRegistry(t, entities), entities, strings.NewReader(sampleMessage))
	assert.ErrorContains(t, err, "connection refused")
}

func TestExport(t *testing.T) {
	reg := newRegistry(t, nil)
	entities := []mapping.Entity{{
		Model:      mapping.ModelCounterparty,
		Key:        "k-9",
		Attributes: map[string]any{"name": "ИП Иванов", "inn": "500100732259"},
	}}

	var buf bytes.Buffer
	require.NoError(t, Export(context.Background(), reg, mapping.EDCounterparty, entities, &buf))

	msg, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, msg.Objects, 1)
	assert.Equal(t, mapping.EDCounterparty, msg.Objects[0].Type)
	assert.Equal(t, "k-9", msg.Objects[0].Fields.String("КлючевыеСвойства.Ссылка"))
	assert.Equal(t, "500100732259", msg.Objects[0].Fields.String("КлючевыеСвойства.ИНН"))

	err = Export(context.Background(), reg, mapping.EDCounterparty, []mapping.Entity{{Model: mapping.ModelProduct, Key: "p"}}, &bytes.Buffer{})
	assert.Error(t, err)

	err = Export(context.Background(), mapping.NewRegistry("empty", nil, mapping.KnownModels), "Документ.Неизвестный", nil, &bytes.Buffer{})
	assert.Equal(t, syncerr.KindMappingNotFound, syncerr.KindOf(err))
}
