package db

import (
	"context"
	"fmt"

	gorp "gopkg.in/go-gorp/gorp.v2"
)

// TxFunc is the body of a transaction. It receives an Executor that has the
// caller's context applied and runs entirely inside one backend-native
// transaction.
type TxFunc func(tx Executor) (interface{}, error)

// WithTransaction runs f inside a transaction. If f returns an error the
// transaction is rolled back and that error (combined with any rollback
// failure) is returned; otherwise the transaction commits and f's result is
// returned. Nested calls are not supported: the status-list engine and the
// repositories each bound exactly one transaction per operation.
func WithTransaction(ctx context.Context, dm *WrappedMap, f TxFunc) (interface{}, error) {
	tx, err := dm.Underlying().Begin()
	if err != nil {
		return nil, err
	}
	result, err := f(tx.WithContext(ctx))
	if err != nil {
		return nil, Rollback(tx, err)
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Rollback rolls back the transaction and returns the original error,
// annotated with the rollback failure if one occurred.
func Rollback(tx *gorp.Transaction, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return fmt.Errorf("%w (also, while rolling back: %s)", err, rbErr)
	}
	return err
}
