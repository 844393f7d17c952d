// Package wire implements the control/agent protocol: a length-framed,
// bidirectionally-dispatched command/response protocol over a single
// connection.
//
//   - codec.go: versioned CBOR encoding of deployment model objects
//   - box.go: frame format (length prefix + CBOR box)
//   - command.go: the three protocol commands and their argument shapes
//   - dispatcher.go: per-connection correlation of requests to responses
//     and routing of inbound commands to registered responders
//
// Both peers may send commands at any time; this is a peer protocol, not
// client/server request-response.
package wire
