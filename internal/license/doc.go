// Package license contains the domain core of the key panel: credential
// records, expiry evaluation, device binding, token derivation and key
// generation. Everything in this package is pure domain logic; durable
// state lives in internal/store and orchestration in internal/services.
package license
