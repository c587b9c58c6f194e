// Package engine is the deployment orchestration core: the model of hosts,
// services, ports and connections, the wiring protocol that resolves a
// declared topology into live endpoints, and the lifecycle state machine that
// sequences deploy, start, observe and stop while guaranteeing resource
// cleanup under failure.
//
// A Deployment is the sole mutator of its graph; lifecycle calls on one
// Deployment are serialized. Any deploy or start that fails leaves the
// deployment fully torn down: every host that reached the provisioned state
// is released, and every firewall rule opened during wiring is revoked,
// before the error is returned.
package engine
