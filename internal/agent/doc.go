// Package agent spawns and supervises worker subprocesses. Each agent
// gets a private directory under the workspace holding its command file,
// its response file and its log; the spawner tracks process health,
// tails logs and enforces the global concurrency limit.
package agent
