// Package registry holds the service directory and the subscription
// registry of a run.
//
// Both structures are insertion-ordered on purpose: the directory order is
// the peek-poll order and the tie-break between services reporting the same
// peek time, and the subscriber order fixes dispatch ordering. That makes
// two runs over the same configuration behave identically.
package registry
