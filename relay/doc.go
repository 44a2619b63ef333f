/*
Package relay bridges a remote WebSocket endpoint to a local child process that speaks line-delimited text over stdin and stdout, such as an MCP stdio server.

Each WebSocket text message is one line. Messages from the endpoint are written to the child's stdin with a trailing newline, and each non-empty line the child writes to stdout is sent to the endpoint as one message. The child's stderr is copied through to the host's stderr untouched.

The child is started once and lives as long as the host. The WebSocket connection is not: a Supervisor dials the endpoint, and whenever the connection ends for any reason it waits a fixed backoff and dials again, forever. Each connection attempt is a new Session.

There is no buffering across reconnects. Lines the child writes while no session is open are dropped, and so are messages in flight when a connection dies.

Errors on a single message (a failed send, a failed write to the child) are logged and the message is dropped; they never stop the forwarding loops. The outbound loop ends only when the child closes stdout.
*/
package relay
