// Package manager owns the loaded diffusion model and the generation run
// against it. It is structured into small files by concern:
//
//   - manager.go: core Manager type, accessors, Close.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: Phase, requests, results and the Registry boundary.
//   - adapter_iface.go: the Backend/LoadedModel contract implemented by pipelines.
//   - session.go: asynchronous model loading, load policy and model leases.
//   - coordinator.go: Submit/Cancel, progress filtering and terminal handling.
//   - request.go: request validation and seed selection.
//   - errors.go: error types and helpers (IsBusy, IsNoModel, IsModelNotFound).
//   - events.go: lifecycle events for metrics and logging sinks.
//   - status_report.go: Status and the wire projection of phases.
//
// Every transition is published to an observable state while the manager
// lock is held, so subscribers see transitions in the order they happened.
// At most one load and one generation are in flight; the backend is never
// called concurrently, even while a cancelled call is still returning.
package manager
