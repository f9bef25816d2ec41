// Package services holds the shared error taxonomy and context plumbing used
// by every workflow phase.
package services
