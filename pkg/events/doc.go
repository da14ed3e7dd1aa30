/*
Package events provides a lightweight in-process broker for lease
lifecycle events.

The provider publishes an event whenever a lease is created, extended,
expired or reclaimed, and whenever a payment is accepted or rejected.
The offer publisher subscribes so advertisements refresh as soon as the
completed-jobs counter moves rather than waiting for the next interval.

Delivery is best-effort: Publish never blocks, and a subscriber whose
buffer is full misses events rather than stalling the broker.
*/
package events
