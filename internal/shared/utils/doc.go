// Package utils holds small file and validation helpers shared by the
// governor's domain packages: atomic write-replace and exclusive create for
// the state and lock records, streaming content hashes for output manifests,
// and input validation for the control surface.
package utils
