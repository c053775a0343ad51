// Package minitime is a multi-user, tool-augmented conversational agent
// platform. The root package holds the framework core: domain types, the
// model provider interface, the tool registry and invoker, the agent
// executor, and session management. Backends and services live in
// subpackages (checkpoint stores, the forum deliberation engine, the cron
// trigger scheduler, tool-provider subprocesses).
package minitime
