// Package gatt defines the narrow GATT client capability consumed by the
// sensor profile sessions.
//
// The package provides:
//   - Transport and Client interfaces (connect, discover, subscribe, read, write, disconnect)
//   - ConnectionState mirrored from the platform stack
//   - ServiceTable lookups keyed by service and characteristic UUIDs
//   - Typed errors for missing resources, connection state and transport failures
//
// Concrete transports live in the goble and tinyble subpackages.
package gatt
