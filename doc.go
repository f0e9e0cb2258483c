// Package cell implements a conversational agent engine: a process that
// listens on a typed sensory channel, keeps long-term conversational memory
// behind vector-indexed retrieval, drives a bounded multi-cycle LLM loop,
// parses tool calls, references and data out of model output, executes tools
// over MCP, and emits a structured response.
//
// The engine is assembled from five components:
//
//   - StateManager: persisted, mutex-guarded key/value agent state.
//   - PromptEngine: named prompt templates rendered against variables.
//   - MemoryManager: buffers new turns, retrieves and token-budgets prior
//     dialogs via vector search, persists turns plus embeddings.
//   - SensorGateway: converts raw transport packages into typed, filtered
//     SensoryEvents and routes replies and errors.
//   - Actor: orchestrates one response cycle end to end.
//
// External collaborators (LLM provider, embedding encoder, text splitter,
// vector store, message store, pub/sub transport, MCP tool backend) are
// consumed through the interfaces in this package. Implementations live in
// subpackages: store/sqlite, store/postgres, transport/redis, toolmcp,
// provider/openaicompat and split.
//
// One Cell processes a single sensory event at a time: the pull loop blocks
// on the channel, runs the Actor to completion, sends the reply, and only
// then pulls the next package. Horizontal scale comes from running more
// cells, not from concurrency inside one.
package cell
