package engine

import (
	"context"
)

// Provider is the interface that all resource providers must implement.
// Providers run in process; each call receives fully resolved argument
// values and returns the attribute values to record in state.
type Provider interface {
	// Name returns the provider name, the prefix of its resource types.
	Name() string

	// Create provisions a new resource and returns its attributes,
	// including computed values such as id.
	Create(ctx context.Context, req CreateRequest) (*CreateResponse, error)

	// Update reconciles an existing resource to new argument values.
	// Computed attributes from the prior state are preserved unless the
	// provider reports new values.
	Update(ctx context.Context, req UpdateRequest) (*UpdateResponse, error)

	// Destroy removes the resource.
	Destroy(ctx context.Context, req DestroyRequest) error
}

// CreateRequest contains the parameters for a Create operation.
type CreateRequest struct {
	// Address is the resource address, "<type>.<name>".
	Address string `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// Args are the fully resolved argument values.
	Args map[string]interface{} `json:"args"`
}

// CreateResponse contains the result of a Create operation.
type CreateResponse struct {
	// Attributes are the recorded attribute values, arguments plus
	// computed outputs.
	Attributes map[string]interface{} `json:"attributes"`
}

// UpdateRequest contains the parameters for an Update operation.
type UpdateRequest struct {
	// Address is the resource address.
	Address string `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// Prior holds the attribute values currently recorded in state.
	Prior map[string]interface{} `json:"prior"`

	// Args are the new fully resolved argument values.
	Args map[string]interface{} `json:"args"`
}

// UpdateResponse contains the result of an Update operation.
type UpdateResponse struct {
	// Attributes are the recorded attribute values after the update.
	Attributes map[string]interface{} `json:"attributes"`
}

// DestroyRequest contains the parameters for a Destroy operation.
type DestroyRequest struct {
	// Address is the resource address.
	Address string `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// Attributes are the recorded attribute values of the resource.
	Attributes map[string]interface{} `json:"attributes"`
}

// ProviderRegistry resolves the provider responsible for a resource type.
type ProviderRegistry interface {
	// ProviderFor returns the provider owning resType, or an error when
	// no registered provider claims it.
	ProviderFor(resType string) (Provider, error)
}
