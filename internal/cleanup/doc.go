// Package cleanup schedules workspace reclamation. Each job gets a reap
// deadline at admission; terminal jobs lose their workspace at the deadline
// while their record stays queryable for a short grace period.
package cleanup
