// Package boundary exposes a run's request/reply endpoint over JSON-RPC Unix
// sockets and ships the matching client used by worker processes.
//
// The server demultiplexes many worker connections into one internal request
// queue. A request's RPC handler blocks until someone replies to that exact
// request, so correlation is by connection rather than message ID, and the
// router is free to answer immediately or hand the request to the run
// coordinator for stateful handling. Closing the server releases every
// outstanding and future requester with ErrUpstreamExit.
//
// Each run gets its own socket path derived from its identifier, so workers
// from an earlier run can never join a new one.
package boundary
