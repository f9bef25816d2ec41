// Package inventory persists catalog transfer state in SQLite: the items
// discovered on the source catalog, the assets downloaded for each, and the
// destination-side publish progress. Every mutation is durable before the
// call returns so an interrupted run resumes without repeating work.
package inventory
