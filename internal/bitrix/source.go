package bitrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
)

// pageSize is the fixed page length of Bitrix24 list methods
const pageSize = 50

// Entity types pulled from the CRM, in dependency order
const (
	EntityCompany  = "Company"
	EntityContact  = "Contact"
	EntityContract = "Contract"
	EntityProduct  = "Product"
	EntityInvoice  = "Invoice"
)

// SmartInvoiceTypeID is the crm.item entity type id of smart invoices
const SmartInvoiceTypeID = 31

// Resource describes how one entity type is listed and read
type Resource struct {
	EntityType    string
	ObjectType    string
	ListMethod    string
	GetMethod     string
	IDField       string
	ModifiedField string
	// EntityTypeID is set for crm.item based resources
	EntityTypeID int
}

func (r Resource) itemBased() bool { return r.EntityTypeID != 0 }

// Resources returns the CRM resources. Contracts live in a smart process whose type id
// differs per portal; contractTypeID 0 leaves them out.
func Resources(contractTypeID int) map[string]Resource {
	res := map[string]Resource{
		EntityCompany: {
			EntityType: EntityCompany, ObjectType: mapping.BitrixCompany,
			ListMethod: "crm.company.list", GetMethod: "crm.company.get",
			IDField: "ID", ModifiedField: "DATE_MODIFY",
		},
		EntityContact: {
			EntityType: EntityContact, ObjectType: mapping.BitrixContact,
			ListMethod: "crm.contact.list", GetMethod: "crm.contact.get",
			IDField: "ID", ModifiedField: "DATE_MODIFY",
		},
		EntityProduct: {
			EntityType: EntityProduct, ObjectType: mapping.BitrixProduct,
			ListMethod: "crm.product.list", GetMethod: "crm.product.get",
			IDField: "ID", ModifiedField: "TIMESTAMP_X",
		},
		EntityInvoice: {
			EntityType: EntityInvoice, ObjectType: mapping.BitrixInvoice,
			ListMethod: "crm.item.list", GetMethod: "crm.item.get",
			IDField: "id", ModifiedField: "updatedTime", EntityTypeID: SmartInvoiceTypeID,
		},
	}
	if contractTypeID > 0 {
		res[EntityContract] = Resource{
			EntityType: EntityContract, ObjectType: mapping.BitrixContract,
			ListMethod: "crm.item.list", GetMethod: "crm.item.get",
			IDField: "id", ModifiedField: "updatedTime", EntityTypeID: contractTypeID,
		}
	}
	return res
}

// Caller is the transport used by Source
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any) (gjson.Result, error)
}

// Source pulls CRM records page by page
type Source struct {
	caller    Caller
	resources map[string]Resource
}

// NewSource creates a Source over the given resources
func NewSource(caller Caller, resources map[string]Resource) *Source {
	return &Source{caller: caller, resources: resources}
}

// Resource returns the resource of entityType
func (s *Source) Resource(entityType string) (Resource, bool) {
	r, ok := s.resources[entityType]
	return r, ok
}

// ObjectType implements the sync source contract
func (s *Source) ObjectType(entityType string) (string, bool) {
	r, ok := s.resources[entityType]
	return r.ObjectType, ok
}

// Identify returns the id and modification time of a record of entityType. The time is
// zero when the record carries none.
func (s *Source) Identify(entityType string, obj mapping.WireObject) (string, time.Time) {
	res, ok := s.resources[entityType]
	if !ok {
		return "", time.Time{}
	}
	raw, ok := obj.Value(res.ModifiedField)
	if !ok {
		return obj.String(res.IDField), time.Time{}
	}
	t, _ := mapping.ParseTime(raw)
	return obj.String(res.IDField), t
}

// Fetch returns up to limit records of entityType modified at or after since, ordered by
// modification time then id, skipping the first offset matches. A nil since fetches from
// the beginning.
func (s *Source) Fetch(ctx context.Context, entityType string, since *time.Time, offset, limit int) ([]mapping.WireObject, error) {
	res, ok := s.resources[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if limit <= 0 {
		limit = pageSize
	}

	var out []mapping.WireObject
	start := max(offset, 0)
	for len(out) < limit {
		doc, err := s.caller.Call(ctx, res.ListMethod, listParams(res, since, start))
		if err != nil {
			return nil, err
		}
		items := doc.Get("result")
		if res.itemBased() {
			items = items.Get("items")
		}
		for _, item := range items.Array() {
			if len(out) == limit {
				break
			}
			if obj, ok := toWire(item); ok {
				out = append(out, obj)
			}
		}
		next := doc.Get("next")
		if !next.Exists() || len(items.Array()) == 0 {
			break
		}
		start = int(next.Int())
	}
	return out, nil
}

// Get returns a single record
func (s *Source) Get(ctx context.Context, entityType, id string) (mapping.WireObject, error) {
	res, ok := s.resources[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	params := map[string]any{"id": id}
	if res.itemBased() {
		params["entityTypeId"] = res.EntityTypeID
	}
	doc, err := s.caller.Call(ctx, res.GetMethod, params)
	if err != nil {
		return nil, err
	}
	item := doc.Get("result")
	if res.itemBased() {
		item = item.Get("item")
	}
	obj, ok := toWire(item)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", entityType, id, ErrNotFound)
	}
	return obj, nil
}

// IsNotFound reports whether err means the record is gone
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func listParams(res Resource, since *time.Time, start int) map[string]any {
	filter := map[string]any{}
	if since != nil {
		filter[">="+res.ModifiedField] = since.Format(time.RFC3339)
	}
	params := map[string]any{
		"filter": filter,
		"order":  orderBy(res.ModifiedField, res.IDField),
		"start":  start,
	}
	if res.itemBased() {
		params["entityTypeId"] = res.EntityTypeID
		params["select"] = []string{"*", "uf*"}
	} else {
		params["select"] = []string{"*", "UF_*"}
	}
	return params
}

// orderBy renders an ascending order object with keys in the given order
func orderBy(fields ...string) json.RawMessage {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:\"ASC\"", f)
	}
	b.WriteByte('}')
	return json.RawMessage(b.String())
}

func toWire(item gjson.Result) (mapping.WireObject, bool) {
	if !item.IsObject() {
		return nil, false
	}
	m, ok := item.Value().(map[string]any)
	if !ok {
		return nil, false
	}
	return mapping.WireObject(m), true
}
