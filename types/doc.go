// Package types provides core types used across the agenthub coordination core.
// This package has ZERO dependencies on other agenthub packages to avoid circular imports.
// All other packages should import types from here.
package types
