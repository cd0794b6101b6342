// Package content provides a uniform streaming handle over message
// payload bytes, whether they live in memory, in a temporary file, or in
// a database blob row. References support size queries, deletion, and
// duplication through a streaming filter without ever materializing the
// whole payload in memory.
//
// Exactly one component holds delete-responsibility for a reference at
// any time; ownership is handed over explicitly between pipeline stages.
package content
