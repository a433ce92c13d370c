// Package conformance holds tests that drive the chip models with
// third-party device drivers, checking the models against code written for
// the real parts.
package conformance
