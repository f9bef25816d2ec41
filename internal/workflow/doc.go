// Package workflow orchestrates catalog items through the scrape, extract,
// and publish phases.
//
// The manager runs one goroutine per lane. The catalog lane advances items
// through scraping and extraction; the publish lane pushes completed items to
// the store strictly one at a time, because digital attachment drives a
// single admin session. Each lane polls the inventory for the next item in
// one of its start statuses, moves it to the matching processing status, and
// persists the outcome before picking up the next item. Cancellation is
// cooperative: a shutdown request is honored between items, never in the
// middle of a store mutation.
package workflow
