// Package scheduler fires time-based triggers: Schedules (once, interval,
// cron) and Todo reminders.
//
// It polls storage on a fixed interval, delivers each fired message
// asynchronously and records the run before computing the next fire time.
// Function-linked schedules additionally create a Work for the job runner.
package scheduler
