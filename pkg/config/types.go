package config

import (
	"github.com/hashicorp/hcl/v2"
)

// Resource is a single declared resource block from the configuration.
//
// Argument expressions are kept unevaluated; the engine resolves them lazily
// once the attributes of referenced producers are known.
type Resource struct {
	// Type is the resource type label (e.g., "sim_table"). The segment
	// before the first underscore selects the provider.
	Type string

	// Name is the resource name label, unique per type.
	Name string

	// Arguments maps argument names to their unevaluated expressions.
	Arguments map[string]hcl.Expression

	// ArgumentNames preserves source order of the arguments.
	ArgumentNames []string

	// References lists every resource reference appearing in the arguments,
	// deduplicated by target address and attribute.
	References []Reference

	// DeclRange is the source location of the resource block.
	DeclRange hcl.Range
}

// Addr returns the resource address in "type.name" form.
func (r *Resource) Addr() string {
	return r.Type + "." + r.Name
}

// Reference is a data dependency from one resource's argument to another
// resource's attribute, written as <type>.<name>.<attr> in configuration.
type Reference struct {
	// TargetType is the referenced resource's type.
	TargetType string

	// TargetName is the referenced resource's name.
	TargetName string

	// Attr is the referenced attribute. Empty when the whole resource
	// object is referenced.
	Attr string

	// SourceArg is the argument name the reference appears in.
	SourceArg string

	// Range is the source location of the reference.
	Range hcl.Range
}

// TargetAddr returns the referenced resource address in "type.name" form.
func (ref Reference) TargetAddr() string {
	return ref.TargetType + "." + ref.TargetName
}

// Config is the parsed declared graph: every resource from every file in a
// configuration directory, in declaration order.
type Config struct {
	// Resources are the declared resources in file-then-block order.
	Resources []*Resource

	// Sources lists the files the configuration was parsed from.
	Sources []string
}
