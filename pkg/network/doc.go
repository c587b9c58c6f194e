// Package network classifies the reachability relationship between hosts and
// resolves declared connections into concrete endpoints.
//
// The resolver is deterministic and symmetric: classifying (A, B) and (B, A)
// yields the same relation, and the endpoints it produces for the two
// directions of a mutual connection are mutually consistent. For cross-network
// relations the resolver opens firewall ingress rules on the listening side
// and tracks them in a ledger so they can be released at teardown,
// independently of host deprovisioning.
package network
