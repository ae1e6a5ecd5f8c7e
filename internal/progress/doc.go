// Package progress turns raw byte counters into rate-limited, human-readable
// progress updates with a smoothed transfer rate and derived ETA.
package progress
