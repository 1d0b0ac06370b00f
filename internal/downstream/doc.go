// Package downstream defines the contract between the control plane and
// the code that actually serves a request, plus an HTTP forwarding
// implementation of it.
//
// The control plane hands a Handler the tenant, the chosen backend
// instance and the request, and expects a status and body or an error
// back. It never looks inside the handler.
package downstream
