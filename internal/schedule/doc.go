// Package schedule triggers import batches from cron expressions, fixed
// intervals or daily times of day.
//
// It only triggers. The importer scheduler executes, and a trigger that finds
// it busy is skipped rather than queued.
package schedule
