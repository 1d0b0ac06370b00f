// Package scaling carries scaling signals from the overload detector to
// whatever provisions capacity. The control plane only emits; acting on
// a signal is the receiver's business.
package scaling
