// Package config handles flowgate's HCL configuration: parsing, variable
// evaluation, validation, and conversion into the values the pipeline
// components install.
//
// # Configuration Blocks
//
//   - logging: level, format and an optional remote syslog sink
//   - conntrack: table sizing, capacity policy and per-state timeouts
//   - hooks: dispatch limits
//   - route: static routes; kernel_routes imports a kernel table
//   - nat: source and destination translation rules
//   - tunnel: handshake timeout and key rotation grace window
//   - vpn: tunnel interfaces and their peers
//   - nfqueue: kernel packet ingress and nftables steering
//   - metrics: Prometheus endpoint
//
// # Expressions
//
// Attribute expressions may read the environment through env.NAME and
// load a file with file("path"), which is how keys are kept out of the
// config file:
//
//	vpn "wg0" {
//	  private_key = file("/etc/flowgate/wg0.key")
//	}
package config
