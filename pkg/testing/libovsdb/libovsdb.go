// Package libovsdb boots a disposable in-memory DVR_Control database
// server for tests and hands back a connected, monitoring client wired
// the same way the controller wires its own.
package libovsdb

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/alexflint/go-filemutex"
	guuid "github.com/google/uuid"
	libovsdbclient "github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/database"
	"github.com/ovn-org/libovsdb/database/inmemory"
	"github.com/ovn-org/libovsdb/mapper"
	"github.com/ovn-org/libovsdb/model"
	"github.com/ovn-org/libovsdb/ovsdb"
	"github.com/ovn-org/libovsdb/ovsdb/serverdb"
	"github.com/ovn-org/libovsdb/server"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/rossella/neutron-dvr/pkg/config"
	"github.com/rossella/neutron-dvr/pkg/cryptorand"
	"github.com/rossella/neutron-dvr/pkg/dvrdb"
)

// TestSetup seeds the DVR_Control database before the client connects.
type TestSetup struct {
	Data []TestData
}

// TestData is a pointer to any row struct of the DVR_Control model.
type TestData interface{}

// Context owns the harness teardown. Cleanup stops the client before the
// server so the client's reconnect loop never sees the socket vanish.
type Context struct {
	clientStopCh chan struct{}
	clientWg     *sync.WaitGroup
	serverClose  func()
}

func (c *Context) Cleanup() {
	close(c.clientStopCh)
	c.clientWg.Wait()
	c.serverClose()
}

// NewDVRTestHarness runs an in-memory DVR_Control server seeded with the
// given rows and returns a connected, monitoring client.
func NewDVRTestHarness(setup TestSetup) (libovsdbclient.Client, *Context, error) {
	cfg := config.OvsdbAuthConfig{
		Scheme:  config.OvsdbSchemeUnix,
		Address: "unix:" + tempSocketPath(),
	}

	srv, err := startServer(cfg, setup.Data)
	if err != nil {
		return nil, nil, err
	}

	stopChan := make(chan struct{})
	c, err := dvrdb.NewClient(cfg, stopChan)
	if err != nil {
		srv.Close()
		return nil, nil, err
	}

	testCtx := &Context{
		clientStopCh: make(chan struct{}),
		clientWg:     &sync.WaitGroup{},
		serverClose:  srv.Close,
	}
	testCtx.clientWg.Add(1)
	go func() {
		defer testCtx.clientWg.Done()
		<-testCtx.clientStopCh
		close(stopChan)
		c.Close()
	}()
	return c, testCtx, nil
}

// startServer boots an ovsdb-server carrying the DVR_Control and _Server
// databases in memory and blocks until it accepts connections.
func startServer(cfg config.OvsdbAuthConfig, data []TestData) (*server.OvsdbServer, error) {
	clientModel, err := dvrdb.FullDatabaseModel()
	if err != nil {
		return nil, err
	}
	serverModel, err := serverdb.FullDatabaseModel()
	if err != nil {
		return nil, err
	}
	schema := dvrdb.Schema()
	serverSchema := serverdb.Schema()

	db := inmemory.NewDatabase(map[string]model.ClientDBModel{
		schema.Name:       clientModel,
		serverSchema.Name: serverModel,
	})
	dbMod, errs := model.NewDatabaseModel(schema, clientModel)
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to assemble the DVR database model: %v", errs)
	}
	servMod, errs := model.NewDatabaseModel(serverSchema, serverModel)
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to assemble the _Server database model: %v", errs)
	}

	srv, err := server.NewOvsdbServer(db, dbMod, servMod)
	if err != nil {
		return nil, err
	}

	// The monitoring client gates on the _Server table reporting the
	// database connected, so seed it before serving.
	sid := serverID()
	if err := seedRows(db, servMod, []TestData{
		&serverdb.Database{
			Name:      clientModel.Name(),
			Connected: true,
			Leader:    true,
			Model:     serverdb.DatabaseModelClustered,
			Sid:       &sid,
		},
	}); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := seedRows(db, dbMod, data); err != nil {
			return nil, err
		}
	}

	sockPath := strings.TrimPrefix(cfg.Address, "unix:")
	lockPath := sockPath + ".lock"
	lock, err := filemutex.New(lockPath)
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(string(cfg.Scheme), sockPath); err != nil {
			log.Fatalf("test ovsdb-server failed: %v", err)
		}
		lock.Close()
		os.RemoveAll(lockPath)
		os.RemoveAll(sockPath)
	}()

	err = wait.PollUntilContextTimeout(context.Background(), 100*time.Millisecond, 500*time.Millisecond, true,
		func(context.Context) (bool, error) { return srv.Ready(), nil })
	if err != nil {
		srv.Close()
		return nil, err
	}
	return srv, nil
}

// seedRows writes rows straight into the backing database. Only valid
// before a client connects; anything later must go through the server.
func seedRows(db database.Database, dbMod model.DatabaseModel, data []TestData) error {
	m := mapper.NewMapper(dbMod.Schema)
	ops := make([]ovsdb.Operation, 0, len(data))
	for _, d := range data {
		table := dbMod.FindTable(reflect.TypeOf(d))
		if table == "" {
			return fmt.Errorf("type %s has no table in schema %q", reflect.TypeOf(d), dbMod.Schema.Name)
		}
		info, err := mapper.NewInfo(table, dbMod.Schema.Table(table), d)
		if err != nil {
			return err
		}
		row, err := m.NewRow(info)
		if err != nil {
			return err
		}
		// the insert operation carries the UUID, never the row
		delete(row, "_uuid")
		ops = append(ops, ovsdb.Operation{
			Op:    ovsdb.OperationInsert,
			Table: table,
			Row:   row,
			UUID:  guuid.NewString(),
		})
	}
	if ok := dbMod.Schema.ValidateOperations(ops...); !ok {
		return fmt.Errorf("seed rows do not fit schema %q", dbMod.Schema.Name)
	}

	txn := db.NewTransaction(dbMod.Schema.Name)
	res, updates := txn.Transact(ops...)
	results := make([]ovsdb.OperationResult, 0, len(res))
	for _, r := range res {
		results = append(results, *r)
	}
	if _, err := ovsdb.CheckOperationResults(results, ops); err != nil {
		return fmt.Errorf("failed to seed rows: %v", err)
	}
	if err := db.Commit(dbMod.Schema.Name, guuid.New(), updates); err != nil {
		return fmt.Errorf("failed to commit seed rows: %v", err)
	}
	return nil
}

func serverID() string {
	b := make([]byte, 2)
	cryptorand.Read(b)
	return hex.EncodeToString(b)
}

// tempSocketPath returns a unique socket path under the system temp
// directory.
func tempSocketPath() string {
	b := make([]byte, 16)
	cryptorand.Read(b)
	return filepath.Join(os.TempDir(), "ovsdb-"+hex.EncodeToString(b))
}
