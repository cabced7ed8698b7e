// Package device holds the pieces shared by the GATT server and client state
// machines:
//   - the error taxonomy (lookup, connection state and registration failures)
//   - UUID parsing into go-ble's little-endian representation
//   - map keys for UUID lookups
package device
