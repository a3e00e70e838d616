// Package llm talks to the reasoning backend. Client implementations send a
// system prompt plus chat history to a provider; Adapter builds that request
// from a conversation and classifies the reply as an answer, a skill request
// or a statement proposal.
package llm
