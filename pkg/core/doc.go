// Package core defines the domain model shared by every component of the
// pipeline engine: jobs, steps, retry policy, effects, backend contracts,
// runtime status records, and the error taxonomy.
package core
