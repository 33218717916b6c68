// Package driver implements the CSI Identity service and gRPC server
// wiring. The Node service itself lives in pkg/csinode; Driver just
// registers it alongside Identity on a non-blocking gRPC listener.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - panics, programmer errors
//   - V(2): Production default - operation outcomes, state changes
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//   - V(5): Trace level - RPC entry points
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package driver
