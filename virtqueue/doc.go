// Package virtqueue implements the driver side of a virtio split queue as
// described in the specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
// This package does not make assumptions about the transport that carries the
// queue. It allocates the queue structures in memory, hands out descriptor
// chains and reclaims them when the device reports them as used. Notifying
// the device is delegated to a [Kicker], which is usually backed by a
// transport-specific register write.
package virtqueue
