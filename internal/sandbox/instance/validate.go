package instance

import (
	"fmt"
	"regexp"
)

var (
	// Instance and sub-resource names end up in container, volume and pod
	// names, so both are restricted to DNS-1123 labels.
	instanceIDPattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,38}[a-z0-9])?$`)
	subResourcePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,20}[a-z0-9])?$`)
)

// Validate checks the request shape. Errors wrap ErrInvalidRequest.
func (r *CreateRequest) Validate() error {
	if !instanceIDPattern.MatchString(r.InstanceID) {
		return fmt.Errorf("%w: instance_id %q must be a lowercase DNS label of at most 40 characters", ErrInvalidRequest, r.InstanceID)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidRequest)
	}
	if r.Timeout > MaxTimeout {
		return fmt.Errorf("%w: timeout must not exceed %d seconds", ErrInvalidRequest, MaxTimeout)
	}
	if len(r.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidRequest)
	}
	for name := range r.Nodes {
		if !subResourcePattern.MatchString(name) {
			return fmt.Errorf("%w: node name %q must be a lowercase DNS label of at most 22 characters", ErrInvalidRequest, name)
		}
	}
	for name, d := range r.Daemons {
		if !subResourcePattern.MatchString(name) {
			return fmt.Errorf("%w: daemon name %q must be a lowercase DNS label of at most 22 characters", ErrInvalidRequest, name)
		}
		if _, clash := r.Nodes[name]; clash {
			return fmt.Errorf("%w: %q is used by both a node and a daemon", ErrInvalidRequest, name)
		}
		if d.Image == "" {
			return fmt.Errorf("%w: daemon %q needs an image", ErrInvalidRequest, name)
		}
	}
	return nil
}
