// Package mgmt implements the BlueZ kernel management ("MGMT") channel
// client: a framed, little-endian binary protocol over a
// AF_BLUETOOTH/BTPROTO_HCI/HCI_CHANNEL_CONTROL socket that both delivers
// raw advertisement frames to the owning scanner and carries outbound
// connection-parameter load commands, with request/response correlation,
// capability probing, and auto-reconnect.
package mgmt
