// Package importer runs data-import jobs with bounded concurrency.
//
// A Job is a four-stage pipeline (build request, fetch, parse, merge) whose
// outcome is reported through per-job event handlers. The Scheduler admits
// queued jobs up to its concurrency limit, requeues jobs that ask for a retry
// and aggregates progress across a batch.
package importer
