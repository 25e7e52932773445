// Package sails is a realtime client for Sails blueprint backends.
// It moves records over two transports, plain HTTP and a persistent
// websocket, and keeps a local record store in sync with server
// created/updated/destroyed events.
//
// Logging convention for this package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - connectivity timeouts and reconnects
//     - csrf fetch failures
// Error:
//     unrecoverable crash details
// Debug (V(2)):
//     key events for trace debugging
//     this includes:
//     - per-message send/receive/dispatch with request ids that can be
//       used to filter
package sails
