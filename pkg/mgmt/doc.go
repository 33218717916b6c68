// Package mgmt implements the management façade: list_nexus, create_nexus,
// destroy_nexus, publish_nexus, unpublish_nexus, offline_child, online_child,
// and rebuild start/stop/pause/resume/state/progress. This surface is thin
// by design and sits outside the CSI gRPC path entirely; pool and replica
// provisioning, which a full Mayastor-style façade would also expose, are
// out of scope here and return an error for both operations.
package mgmt
