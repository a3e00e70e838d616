// Package sqlexec executes model-proposed statements against the business
// database. Every statement passes a read-only guard, runs inside a
// read-only transaction on a pooled connection and is returned as a Result
// whose cells are plain scalars.
package sqlexec
