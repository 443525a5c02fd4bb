// Package model defines the work-execution data model: Work, Task, Job,
// Schedule and Todo, plus the small validity rules they carry.
//
// Types here are plain state. Persistence lives in internal/storage and
// behavior in internal/runner and internal/scheduler.
package model
