// Package supervisor runs the long-lived services of the control plane
// under a suture supervisor tree.
//
// The tree has two layers. The background layer holds the scheduler and
// the queue workers; the api layer holds the data-plane and admin HTTP
// servers. A crash in one layer is restarted without touching the other,
// and supervisor events are logged through zap.
package supervisor
