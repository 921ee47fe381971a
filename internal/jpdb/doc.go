// Package jpdb is a thin client for the jpdb.io HTTP API. Every call is
// submitted as a job to a shared queue so requests to the service are
// serialized and paced.
package jpdb
