// Package crawler defines the core domain types, collaborator interfaces and
// error taxonomy shared by the review crawler's resolver, queue, stats
// aggregator and orchestrator.
package crawler
