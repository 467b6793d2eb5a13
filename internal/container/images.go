package container

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/HyphaGroup/oubliette/internal/logger"
)

// ImageManager handles container image operations for the runtime's
// configured container types. The agent sandbox registers itself
// under a single type name ("sandbox"), but the map shape is kept so
// a future runtime with more than one container role doesn't need a
// new abstraction.
type ImageManager struct {
	containers map[string]string // type name -> image name
	runtime    Runtime
}

// NewImageManager creates a new ImageManager with the given container type mappings
func NewImageManager(containers map[string]string, runtime Runtime) *ImageManager {
	return &ImageManager{
		containers: containers,
		runtime:    runtime,
	}
}

// GetImageName returns the image name for a container type
func (m *ImageManager) GetImageName(typeName string) (string, error) {
	imageName, ok := m.containers[typeName]
	if !ok {
		return "", fmt.Errorf("unknown container type: %s", typeName)
	}
	return imageName, nil
}

// ValidTypes returns all valid container type names sorted alphabetically
func (m *ImageManager) ValidTypes() []string {
	types := make([]string, 0, len(m.containers))
	for typeName := range m.containers {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}

// IsValidType checks if a container type is valid
func (m *ImageManager) IsValidType(typeName string) bool {
	_, ok := m.containers[typeName]
	return ok
}

// EnsureImageExists checks if the image for a container type exists,
// and pulls it if necessary. In dev mode (AGENT_DEV=1), returns an
// error if the image doesn't exist instead of pulling.
func (m *ImageManager) EnsureImageExists(ctx context.Context, typeName string) error {
	imageName, err := m.GetImageName(typeName)
	if err != nil {
		return err
	}

	exists, err := m.runtime.ImageExists(ctx, imageName)
	if err != nil {
		return fmt.Errorf("failed to check image %s: %w", imageName, err)
	}

	if exists {
		return nil
	}

	// In dev mode, don't pull - require local images
	if os.Getenv("AGENT_DEV") == "1" {
		return fmt.Errorf("image %s not found locally (dev mode - build it locally first)", imageName)
	}

	logger.Printf("pulling sandbox image %s", imageName)
	if err := m.runtime.Pull(ctx, imageName); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}

	return nil
}

// EnsureAllImages ensures all configured container images exist
func (m *ImageManager) EnsureAllImages(ctx context.Context) error {
	for typeName := range m.containers {
		if err := m.EnsureImageExists(ctx, typeName); err != nil {
			return err
		}
	}
	return nil
}
