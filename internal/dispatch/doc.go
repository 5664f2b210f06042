// Package dispatch executes calls against deployed dispatchers: delegated
// module execution, the transparent admin/user policy, and upgrade handling.
//
// Every external call runs inside one SQLite transaction. Module handlers
// execute against the dispatcher's state instance with the original caller
// identity and attached value in context; a failing call rolls the
// transaction back, discarding every mutation it made, slot writes and
// raised events included. The module's failure payload is returned to the
// caller byte-for-byte.
//
// Policy, per incoming call:
//   - authority + upgrade selector → admin path (upgrade handling)
//   - authority + anything else → AdminConfusion, module never consulted
//   - any other caller → forwarded to the active module unconditionally
//
// Key properties:
//   - Serial execution (one call at a time)
//   - Whole-call atomicity via the call transaction
//   - Events buffered in the frame, logged in-transaction, published to
//     the hub only after commit
//   - Nested dispatch shares the transaction and runs as the dispatcher's
//     own identity, so re-entrancy can never reach the admin path
//   - Call audit rows written after the transaction settles
package dispatch
