// Package ledger is the durable dispatch ledger.
//
// Every reminder delivery is keyed by (event, role, lead time, mode). A sender
// must win TryClaim before sending; the claim is one conditional upsert, so
// several replicas can share the database without any other coordination.
// Claims carry a lease: a crashed claimer's record becomes claimable again.
package ledger
