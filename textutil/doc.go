// Package textutil implements utilities for handling human-readable text.
//
// This package includes a combination of low-level and high-level utilities.
// The main high-level utilities are:
//   PrefixWriter:      Add prefix to output.
//   PrefixLineWriter:  Add prefix to each line of output.
//   ByteReplaceWriter: Replace single byte with bytes in output.
// The package has no line-wrapping text formatter.
package textutil
