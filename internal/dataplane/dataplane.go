// Package dataplane defines the cloud shadow data-plane client
// interface and ships two concrete implementations: an AWS IoT Data
// Plane client and a generic OAuth2-protected REST client.
package dataplane

import "context"

// ShadowDataPlane is the interface the sync handler drives for
// cloud-side shadow operations; it never depends on which concrete
// cloud this gateway talks to.
type ShadowDataPlane interface {
	Get(ctx context.Context, thing, shadowName string) ([]byte, error)
	Update(ctx context.Context, thing, shadowName string, patch []byte) ([]byte, error)
	Delete(ctx context.Context, thing, shadowName string) error
}
