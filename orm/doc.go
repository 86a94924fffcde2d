// Package orm is a transactional object cache over a relational row store.
//
// Records are plain Go structs mapped onto tables by a [mapping.Descriptor].
// Within a [Transaction], every row is materialized at most once: all handles
// to it share one cached record, guarded by a borrow state machine that
// allows any number of read views or a single write view, never both.
// Conflicts are reported immediately as BorrowConflict rather than blocking.
//
// Changes stay in memory until [Transaction.Commit], which writes all of them
// in one atomic physical transaction. [Transaction.Rollback] discards them.
//
//	conn, err := orm.Open("data")
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//	tx, err := conn.Begin()
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
//	h, err := orm.Create(tx, Account{Owner: "ann", Balance: 100})
//	if err != nil {
//		return err
//	}
//	if err := h.Write(func(a *Account) error {
//		a.Balance -= 10
//		return nil
//	}); err != nil {
//		return err
//	}
//	return tx.Commit()
package orm
