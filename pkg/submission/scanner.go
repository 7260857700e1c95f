package submission

import (
	"context"
	"fmt"
	"strings"
)

const defaultRegistry = "docker.io"

// Scanner inspects a container image before a scenario version is promoted
type Scanner interface {
	Scan(ctx context.Context, imageRef string) error
}

// RegistryAllowlist accepts images hosted on one of a fixed set of registries.
// An empty allowlist accepts every image.
type RegistryAllowlist struct {
	registries map[string]bool
}

// NewRegistryAllowlist creates an allowlist scanner
func NewRegistryAllowlist(registries []string) *RegistryAllowlist {
	set := make(map[string]bool, len(registries))
	for _, r := range registries {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			set[r] = true
		}
	}
	return &RegistryAllowlist{registries: set}
}

// Scan implements Scanner
func (a *RegistryAllowlist) Scan(_ context.Context, imageRef string) error {
	if len(a.registries) == 0 {
		return nil
	}
	registry := RegistryOf(imageRef)
	if !a.registries[registry] {
		return fmt.Errorf("image %s: registry %s is not allowed", imageRef, registry)
	}
	return nil
}

// RegistryOf returns the registry host of an image reference. References
// without an explicit host resolve to docker.io.
func RegistryOf(imageRef string) string {
	first, _, found := strings.Cut(imageRef, "/")
	if !found {
		return defaultRegistry
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return strings.ToLower(first)
	}
	return defaultRegistry
}
