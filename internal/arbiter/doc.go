// Package arbiter implements match arbitration: a language-model
// discriminator that decides whether a similarity candidate is the same food
// as the query, in the same preparation.
//
// The model is shown at most DefaultMaxCandidates candidates renumbered
// 1..N and never sees catalog or vendor ids. Its answer is extracted with
// llmjson, checked for the required keys, and mapped back through each
// candidate's compound "source:id" key. Malformed answers escalate along the
// configured ladder; an exhausted ladder is "no decision", never a guess.
package arbiter
