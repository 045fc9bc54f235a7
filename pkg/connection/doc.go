// Package connection provides the retry policy for dialing an approver.
//
// Failed dials are retried with exponential backoff:
//
//  1. Initial delay: 250 milliseconds
//  2. Each retry doubles the delay
//  3. Maximum delay: 10 seconds
//
// A random jitter of up to a quarter of the delay is added so agents that
// lost the same approver do not redial in lockstep:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package connection
