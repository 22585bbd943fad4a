package tinytxn

/*
TinyTxn is an embedded transactional storage core intended for teaching and
experimentation. It provides snapshot isolated transactions with optimistic,
first-committer-wins concurrency control over a multi-version record store.

Transactions never wait for each other: write-write contention fails
immediately at acquisition time and stale snapshots fail at commit time, so
there are no lock queues and no deadlocks to detect. Superseded versions and
finished transaction state are reclaimed in the background once the oldest
live snapshot has moved past them.

The `tinytxn` module is organized into the following packages:

* `sequencer`: the monotonic logical clock every transaction event is ordered by.
* `mvcc`: the transaction controller: snapshot arbitration, write ownership,
  commit validation and the reclaimer.
* `storage`: version stores the controller publishes into. One keeps every
  version in process memory, one persists them in badger.
* `codec`: the memcomparable key encoding shared by the badger store and its
  tooling.
* `config`, `metrics`: TOML configuration and prometheus collectors.
* `tinytxn-bench`: a load generator binary for exercising the whole stack.
*/
