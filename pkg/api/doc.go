/*
Package api implements the controller's user/API surface: a thin
request/response layer over the same envelope bus pkg/broker uses for
minion and HA peer traffic (spec.md §4.A's "user/API channel"), plus a
small HTTP server for liveness, readiness, and Prometheus scraping.

# Request dispatch

Server registers a single broker.OnReceive handler for MsgAPIRequest. A
Request carries an Op (a dotted operation name: "upgrade.submit",
"config.setNetwork", "status.get", "ha.state", ...), an optional
caller-supplied RequestID for correlating configuration and upgrade
calls, and an op-specific JSON body. Server decodes the body, calls into
the relevant component (pkg/upgrade, pkg/config, pkg/status, pkg/ha),
and replies with a MsgAPIResponse envelope addressed back to the
caller's sender id.

There is no generated protobuf stub backing this: the envelope is
gob-encoded and op-routed the same way pkg/broker's Transport hand-wires
its single Channel RPC against grpc-go's ServiceDesc API.

# Read-only restriction

A second Server instance can be wired to a restricted listener (a
loopback CLI socket without mTLS, for example) with ReadOnly set; its
onRequest rejects any Op that IsReadOnlyOp doesn't allow, mirroring the
teacher's read-only-interceptor idea without the gRPC method-name
parsing a generated stub would have supplied.

# HTTP endpoints

HealthServer exposes /health (liveness), /ready (readiness — gated on
the wired *ha.Replicator being ACTIVE when one is present), and /metrics
(prometheus/client_golang's default handler via pkg/metrics).
*/
package api
