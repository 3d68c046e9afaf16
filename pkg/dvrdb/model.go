// Package dvrdb holds the client model of the DVR_Control OVSDB database,
// the persisted store for per-host DVR MAC allocations.
package dvrdb

import (
	"encoding/json"

	"github.com/ovn-org/libovsdb/model"
	"github.com/ovn-org/libovsdb/ovsdb"
)

// DVRMACBindingTable is the table holding one allocated MAC per host.
const DVRMACBindingTable = "DVR_MAC_Binding"

// DVRMACBinding mirrors a row of the DVR_MAC_Binding table. Both host and
// mac_address carry unique indexes, so inserting a duplicate of either
// fails the whole transaction with a constraint violation.
type DVRMACBinding struct {
	UUID       string `ovsdb:"_uuid"`
	Host       string `ovsdb:"host"`
	MACAddress string `ovsdb:"mac_address"`
}

// FullDatabaseModel returns the DatabaseModel object to be used by the
// control plane clients.
func FullDatabaseModel() (model.ClientDBModel, error) {
	return model.NewClientDBModel("DVR_Control", map[string]model.Model{
		DVRMACBindingTable: &DVRMACBinding{},
	})
}

var schema = `{
  "name": "DVR_Control",
  "version": "1.0.0",
  "tables": {
    "DVR_MAC_Binding": {
      "columns": {
        "host": {
          "type": "string"
        },
        "mac_address": {
          "type": "string"
        }
      },
      "indexes": [["host"], ["mac_address"]],
      "isRoot": true
    }
  }
}`

// Schema returns the schema of the DVR_Control database.
func Schema() ovsdb.DatabaseSchema {
	var s ovsdb.DatabaseSchema
	err := json.Unmarshal([]byte(schema), &s)
	if err != nil {
		panic(err)
	}
	return s
}
