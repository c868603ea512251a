// Package broadcast fans one payload out to a set of registered connections.
//
// Every distinct target is delivered independently and concurrently and is accounted
// for exactly once in the result, either as a success or as a failure with a reason.
// A slow or broken target only ever costs its own timeout; the call as a whole
// never fails.
package broadcast
