// Package links scans text-bearing extraction members for URLs and buckets
// them by destination kind into a paginated, addressable index.
package links
