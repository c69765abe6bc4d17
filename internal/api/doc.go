// Package api hosts the status server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for the latest run snapshot.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/stats for run
//     history backed by a store.RunRepository.
package api
