// Package twopc coordinates an atomic unit of work spanning heterogeneous resources,
// such as consuming a message from a queue and inserting a row in a relational database,
// so that either every resource commits or every resource rolls back.
//
// The protocol is the classic two-phase commit:
//
//  1. Prepare: every enlisted Participant is asked, in enlistment order, whether it can
//     durably commit its pending work. A single CANNOT_COMMIT vote, a failing prepare call
//     or an elapsed deadline rolls back every participant.
//
//  2. Commit: once all participants voted READY, each of them is committed in enlistment order.
//     A commit failure at this point cannot be undone by the protocol, the transaction ends
//     in StatusMixedFailure and a *HeuristicError is returned so that the caller can trigger
//     reconciliation.
//
// The transaction is bound to a context.Context rather than to ambient state:
//
//	ctx, tx, err := coordinator.Begin(ctx, 30*time.Second)
//	if err != nil {
//		return err
//	}
//	_ = coordinator.Enlist(ctx, session)
//	_ = coordinator.Enlist(ctx, conn)
//
//	if err := doWork(ctx, session, conn); err != nil {
//		_, _ = coordinator.End(ctx, twopc.OutcomeRollback)
//		return err
//	}
//	status, err := coordinator.End(ctx, twopc.OutcomeCommit)
//
// A background check started with Coordinator.Start rolls back transactions whose deadline
// elapsed before they were prepared, so a stalled worker never holds resources indefinitely.
package twopc
