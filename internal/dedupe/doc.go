// Package dedupe drops provider redeliveries of an inbound message within a
// configurable window.
package dedupe
