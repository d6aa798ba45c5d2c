package mapping

// Local models known to the entity store
const (
	ModelCompany      = "company"
	ModelContact      = "contact"
	ModelContract     = "contract"
	ModelProduct      = "product"
	ModelInvoice      = "invoice"
	ModelOrganisation = "organisation"
	ModelCounterparty = "counterparty"
	ModelCatalogItem  = "catalog_item"
)

// KnownModels lists every model the entity store accepts
var KnownModels = NewModelSet(
	ModelCompany, ModelContact, ModelContract, ModelProduct, ModelInvoice,
	ModelOrganisation, ModelCounterparty, ModelCatalogItem,
)

// Bitrix24 object types
const (
	BitrixCompany  = "CRM.Company"
	BitrixContact  = "CRM.Contact"
	BitrixContract = "CRM.Contract"
	BitrixProduct  = "CRM.Product"
	BitrixInvoice  = "CRM.Invoice"
)

// BitrixPriorityTypes must all be mapped before the CRM sync is production-ready
var BitrixPriorityTypes = []string{BitrixCompany, BitrixContact, BitrixContract, BitrixProduct, BitrixInvoice}

// EnterpriseData object types
const (
	EDOrganisation = "Справочник.Организации"
	EDCounterparty = "Справочник.Контрагенты"
	EDContract     = "Справочник.ДоговорыКонтрагентов"
	EDNomenclature = "Справочник.Номенклатура"
	EDCurrency     = "Справочник.Валюты"
	EDInvoice      = "Документ.СчетНаОплатуПокупателю"
	EDSale         = "Документ.РеализацияТоваровУслуг"
	EDAnyCatalog   = "Справочник.*"
)

// EnterpriseDataPriorityTypes must all be mapped before the 1C exchange is production-ready
var EnterpriseDataPriorityTypes = []string{
	EDOrganisation, EDCounterparty, EDContract, EDNomenclature, EDCurrency, EDInvoice, EDSale,
}

// BitrixMappings returns the CRM mappings in registration order
func BitrixMappings(refs RefResolver) []Registration {
	company := &FieldMapping{
		Type: BitrixCompany, Model: ModelCompany, KeyField: "ID", ModifiedField: "DATE_MODIFY", Refs: refs,
		Fields: []Field{
			{Wire: "TITLE", Attr: "title", Required: true},
			{Wire: "COMPANY_TYPE", Attr: "company_type"},
			{Wire: "INDUSTRY", Attr: "industry"},
			{Wire: "ASSIGNED_BY_ID", Attr: "assigned_by_id", Kind: FieldInt},
			{Wire: "DATE_CREATE", Attr: "created_at", Kind: FieldTime},
			{Wire: "UF_CRM_INN", Attr: "inn", Recommended: true},
		},
	}
	contact := &FieldMapping{
		Type: BitrixContact, Model: ModelContact, KeyField: "ID", ModifiedField: "DATE_MODIFY", Refs: refs,
		Fields: []Field{
			{Wire: "NAME", Attr: "name", Required: true},
			{Wire: "LAST_NAME", Attr: "last_name", Recommended: true},
			{Wire: "POST", Attr: "post"},
			{Wire: "COMPANY_ID", Attr: "company_key", Kind: FieldRef, RefModel: ModelCompany},
			{Wire: "DATE_CREATE", Attr: "created_at", Kind: FieldTime},
		},
	}
	contract := &FieldMapping{
		Type: BitrixContract, Model: ModelContract, KeyField: "id", ModifiedField: "updatedTime", Refs: refs,
		Fields: []Field{
			{Wire: "title", Attr: "title", Required: true},
			{Wire: "companyId", Attr: "company_key", Kind: FieldRef, RefModel: ModelCompany, Required: true},
			{Wire: "opportunity", Attr: "amount", Kind: FieldFloat},
			{Wire: "currencyId", Attr: "currency", Recommended: true},
			{Wire: "begindate", Attr: "starts_at", Kind: FieldTime},
			{Wire: "closedate", Attr: "ends_at", Kind: FieldTime},
		},
	}
	product := &FieldMapping{
		Type: BitrixProduct, Model: ModelProduct, KeyField: "ID", ModifiedField: "TIMESTAMP_X", Refs: refs,
		Fields: []Field{
			{Wire: "NAME", Attr: "name", Required: true},
			{Wire: "PRICE", Attr: "price", Kind: FieldFloat, Recommended: true},
			{Wire: "CURRENCY_ID", Attr: "currency"},
			{Wire: "ACTIVE", Attr: "active", Kind: FieldBool},
			{Wire: "SECTION_ID", Attr: "section_id", Kind: FieldInt},
		},
	}
	invoice := &FieldMapping{
		Type: BitrixInvoice, Model: ModelInvoice, KeyField: "id", ModifiedField: "updatedTime", Refs: refs,
		Fields: []Field{
			{Wire: "title", Attr: "title", Required: true},
			{Wire: "companyId", Attr: "company_key", Kind: FieldRef, RefModel: ModelCompany, Required: true},
			{Wire: "opportunity", Attr: "amount", Kind: FieldFloat, Required: true},
			{Wire: "currencyId", Attr: "currency", Required: true},
			{Wire: "begindate", Attr: "issued_at", Kind: FieldTime},
			{Wire: "closedate", Attr: "due_at", Kind: FieldTime},
			{Wire: "stageId", Attr: "stage"},
		},
	}
	return []Registration{
		{Key: BitrixCompany, Mapping: company},
		{Key: BitrixContact, Mapping: contact},
		{Key: BitrixContract, Mapping: contract},
		{Key: BitrixProduct, Mapping: product},
		{Key: BitrixInvoice, Mapping: invoice},
	}
}

// EnterpriseDataMappings returns the 1C mappings in registration order. The catalog
// pattern is registered last so specific catalogs stay reachable whatever the order.
func EnterpriseDataMappings(refs RefResolver) []Registration {
	const (
		ref  = "КлючевыеСвойства.Ссылка"
		name = "КлючевыеСвойства.Наименование"
	)
	organisation := &FieldMapping{
		Type: EDOrganisation, Model: ModelOrganisation, KeyField: ref, Refs: refs,
		Fields: []Field{
			{Wire: name, Attr: "name", Required: true},
			{Wire: "КлючевыеСвойства.НаименованиеПолное", Attr: "full_name", Recommended: true},
			{Wire: "КлючевыеСвойства.ИНН", Attr: "inn", Required: true},
			{Wire: "КлючевыеСвойства.КПП", Attr: "kpp"},
		},
	}
	counterparty := &FieldMapping{
		Type: EDCounterparty, Model: ModelCounterparty, KeyField: ref, Refs: refs,
		Fields: []Field{
			{Wire: name, Attr: "name", Required: true},
			{Wire: "КлючевыеСвойства.ИНН", Attr: "inn", Recommended: true},
			{Wire: "КлючевыеСвойства.КПП", Attr: "kpp"},
			{Wire: "КлючевыеСвойства.ЮридическоеФизическоеЛицо", Attr: "legal_form"},
		},
	}
	contract := &FieldMapping{
		Type: EDContract, Model: ModelContract, KeyField: ref, Refs: refs,
		Fields: []Field{
			{Wire: name, Attr: "title", Required: true},
			{Wire: "КлючевыеСвойства.Номер", Attr: "number", Recommended: true},
			{Wire: "КлючевыеСвойства.Дата", Attr: "starts_at", Kind: FieldTime},
			{Wire: "КлючевыеСвойства.Контрагент.Ссылка", Attr: "counterparty_key", Kind: FieldRef, RefModel: ModelCounterparty, Required: true},
			{Wire: "КлючевыеСвойства.Организация.Ссылка", Attr: "organisation_key", Kind: FieldRef, RefModel: ModelOrganisation},
		},
	}
	nomenclature := &FieldMapping{
		Type: EDNomenclature, Model: ModelProduct, KeyField: ref, Refs: refs,
		Fields: []Field{
			{Wire: name, Attr: "name", Required: true},
			{Wire: "КлючевыеСвойства.Артикул", Attr: "sku", Recommended: true},
			{Wire: "ЕдиницаИзмерения.КлючевыеСвойства.Код", Attr: "unit_code"},
		},
	}
	invoice := &FieldMapping{
		Type: EDInvoice, Model: ModelInvoice, KeyField: ref, Refs: refs,
		Fields: []Field{
			{Wire: "КлючевыеСвойства.Номер", Attr: "title", Required: true},
			{Wire: "КлючевыеСвойства.Дата", Attr: "issued_at", Kind: FieldTime, Required: true},
			{Wire: "Контрагент.КлючевыеСвойства.Ссылка", Attr: "counterparty_key", Kind: FieldRef, RefModel: ModelCounterparty, Required: true},
			{Wire: "Сумма", Attr: "amount", Kind: FieldFloat, Required: true},
			{Wire: "Валюта.КлючевыеСвойства.Код", Attr: "currency"},
		},
	}
	catalogItem := &FieldMapping{
		Type: EDAnyCatalog, Model: ModelCatalogItem, KeyField: ref, Refs: refs,
		Fields: []Field{
			{Wire: name, Attr: "name", Recommended: true},
			{Wire: "КлючевыеСвойства.Код", Attr: "code"},
		},
	}
	return []Registration{
		{Key: EDOrganisation, Mapping: organisation},
		{Key: EDCounterparty, Mapping: counterparty},
		{Key: EDContract, Mapping: contract},
		{Key: EDNomenclature, Mapping: nomenclature},
		{Key: EDInvoice, Mapping: invoice},
		{Key: EDAnyCatalog, Mapping: catalogItem},
	}
}

// NewBitrixRegistry builds the CRM registry
func NewBitrixRegistry(refs RefResolver) (*Registry, error) {
	r := NewRegistry("bitrix24", BitrixPriorityTypes, KnownModels)
	return r, r.RegisterAll(BitrixMappings(refs))
}

// NewEnterpriseDataRegistry builds the 1C registry
func NewEnterpriseDataRegistry(refs RefResolver) (*Registry, error) {
	r := NewRegistry("enterprisedata", EnterpriseDataPriorityTypes, KnownModels)
	return r, r.RegisterAll(EnterpriseDataMappings(refs))
}
