// Package ratelimit is a fixed-window request rate limiter for the CMS API edge.
//
// Every inbound call is grouped under a limiter key (client IP by default, or an
// application supplied identifier), counted against a window of fixed length and
// either allowed or rejected with 429 once the window's quota is spent.
//
// The pieces, leaf first:
//   - Store holds one counter Record per key. MemoryStore is the in-process
//     backend, redisstore.Store the shared one. Increment is atomic per key.
//   - KeyFunc derives the limiter key from a request.
//   - Policy.Check is the decision function, Limiter binds it to a store, a
//     clock and a store-failure mode.
//   - Annotate and WriteRejection translate a Decision into headers and a 429 body.
//   - Limiter.Middleware and Wrap put the whole thing in front of an http.Handler.
//
// Windows are half-open: a request at exactly ResetAt belongs to the next window.
// Quota is consumed when counted, denied requests included, and is never refunded.
//
// What this does NOT do:
//   - synchronize state between instances beyond what a shared Store gives you
//   - inspect request bodies, authenticate callers or score IP reputation
package ratelimit
