package sync

import "github.com/cybertec-postgresql/exchange_sync/internal/bitrix"

// Order is the fixed dependency order of a full pass
var Order = []string{
	bitrix.EntityCompany,
	bitrix.EntityContact,
	bitrix.EntityContract,
	bitrix.EntityProduct,
	bitrix.EntityInvoice,
}

// Dependencies lists the entity types that must have completed a cycle before a type may run
var Dependencies = map[string][]string{
	bitrix.EntityContact:  {bitrix.EntityCompany},
	bitrix.EntityContract: {bitrix.EntityCompany},
	bitrix.EntityInvoice:  {bitrix.EntityCompany, bitrix.EntityProduct},
}
