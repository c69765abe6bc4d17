// Package store defines the run repository the progress sinks write to and
// the status API reads from. Implementations live in subpackages.
package store
