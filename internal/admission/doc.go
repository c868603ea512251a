// Package admission gates connection attempts before they reach the registry.
//
// A Controller checks, in order, registry capacity, the origin allow-list and the
// per-identity attempt window. Every attempt counts against the identity's window,
// including attempts rejected for capacity or origin.
package admission
