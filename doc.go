/*
Package spf implements an iterative SPF (Sender Policy Framework)
evaluator as described in RFC 7208.

Unlike a conventional checker the evaluation engine performs no I/O of
its own. An Evaluation is a cooperative state machine: each call to
Step either produces one or more DNS questions for the caller to
resolve, or the final result of the check. The caller owns the event
loop, pairs every answer with the callback ID issued alongside the
questions, and feeds answers back in via Step. Stale and duplicate
answers are discarded, so the engine can be driven from a fully
asynchronous resolver.

The engine implements the SPF checker protocol, including macros,
deferred %{p} expansion, PTR validation, include recursion, redirect
chaining, the exp explanation lookup, and the ten-query limit on DNS
mechanisms. The RFC 7208 limit on void lookups is not enforced.

For callers that just want an answer, Checker drives the Step loop
against anything implementing the Resolver interface; a DNS stub
resolver is included. LookupResolver adapts a net.Resolver-shaped
lookup client to the same interface.

The Hook interface can be used to watch the evaluation as it
progresses, mechanism by mechanism.
*/
package spf
