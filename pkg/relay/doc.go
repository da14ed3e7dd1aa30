/*
Package relay adapts the nostr relay fabric into the three channels the
marketplace speaks: public signed offers (kind 38300), public signed
heartbeats (kind 38301), and NIP-04 encrypted direct messages carrying
requests and responses.

One Client fans out over every configured relay. Publishing succeeds
when at least one relay accepts the event; reads merge all relays and
deduplicate by event id, so adding relays buys redundancy, not duplicate
processing. Offers and heartbeats are addressable events, which makes
"the newest offer per provider" a single query instead of a scan.

Requests travel untagged on the wire. ParseRequest accepts an optional
"type" field and otherwise infers the variant from the fields present;
ParseResponse is the mirror for the typed replies.
*/
package relay
