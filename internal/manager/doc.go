// Package manager owns the loaded model set and coordinates prediction and
// explanation. It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, getters and Close.
//   - config.go: ManagerConfig and package defaults.
//   - load.go: lazy, mutex-guarded discovery and loading of models.
//   - predict.go: per-model prediction, ensemble averaging and the facade.
//   - explain.go: explaining-model resolution and Grad-CAM, LIME, SHAP entry points.
//   - types.go: State, Prediction and Explanation.
//   - errors.go: typed errors and Is helpers mapped to HTTP codes.
//   - events.go, eventpub_memory.go: lifecycle events.
//   - metrics.go: Prometheus collectors.
//   - status_report.go, sanity.go: status and preflight reporting.
//   - helpers.go: selector and entry lookups.
//
// Models are loaded once on first use and never reloaded; a failed load is
// not cached so a later call retries. External packages should use the
// public methods only.
package manager
