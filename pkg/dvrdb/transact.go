package dvrdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/ovsdb"

	"github.com/rossella/neutron-dvr/pkg/types"
)

// ErrConstraintViolation reports that a transaction hit one of the unique
// indexes of the DVR_MAC_Binding table. Callers may retry with fresh values.
var ErrConstraintViolation = errors.New("ovsdb constraint violation")

// TransactAndCheck runs the given operations as a single transaction and
// verifies every per-operation result. Index collisions come back wrapped
// in ErrConstraintViolation.
func TransactAndCheck(ctx context.Context, c client.Client, ops []ovsdb.Operation) ([]ovsdb.OperationResult, error) {
	if len(ops) == 0 {
		return []ovsdb.OperationResult{{}}, nil
	}

	tctx, cancel := context.WithTimeout(ctx, types.OVSDBTimeout)
	defer cancel()

	results, err := c.Transact(tctx, ops...)
	if err != nil {
		return nil, fmt.Errorf("error in transact with ops %+v: %v", ops, err)
	}

	opErrors, err := ovsdb.CheckOperationResults(results, ops)
	if err != nil {
		if _, ok := err.(*ovsdb.ConstraintViolation); ok {
			return nil, fmt.Errorf("%w: %v", ErrConstraintViolation, err)
		}
		return nil, fmt.Errorf("error in transact with ops %+v results %+v and errors %+v: %v", ops, results, opErrors, err)
	}

	return results, nil
}
