package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// Loader parses declared-graph configuration files.
type Loader struct {
	parser *hclparse.Parser
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		parser: hclparse.NewParser(),
	}
}

// LoadDir parses every .hcl file in dir (sorted by name) into a Config.
// Parsing happens once per invocation; no expression is evaluated here.
func (l *Loader) LoadDir(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) == ".hcl" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %s", dir)
	}

	return l.LoadFiles(paths)
}

// LoadFiles parses the given files, in order, into a Config.
func (l *Loader) LoadFiles(paths []string) (*Config, error) {
	cfg := &Config{
		Sources: paths,
	}

	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		resources, err := l.parseFile(src, path)
		if err != nil {
			return nil, err
		}

		cfg.Resources = append(cfg.Resources, resources...)
	}

	return cfg, nil
}

// parseFile parses a single HCL file into its resource blocks.
func (l *Loader) parseFile(src []byte, filename string) ([]*Resource, error) {
	file, diags := l.parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %s", filename, diags.Error())
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("unexpected body type for %s", filename)
	}

	var resources []*Resource
	for _, block := range body.Blocks {
		if block.Type != "resource" {
			return nil, fmt.Errorf("%s: unsupported block type %q at %s",
				filename, block.Type, block.TypeRange.String())
		}
		if len(block.Labels) != 2 {
			return nil, fmt.Errorf("%s: resource block requires type and name labels at %s",
				filename, block.TypeRange.String())
		}

		res, err := l.parseResource(block)
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}

	return resources, nil
}

// parseResource converts a resource block into a Resource, extracting every
// reference from its argument expressions without evaluating them.
func (l *Loader) parseResource(block *hclsyntax.Block) (*Resource, error) {
	res := &Resource{
		Type:      block.Labels[0],
		Name:      block.Labels[1],
		Arguments: make(map[string]hcl.Expression, len(block.Body.Attributes)),
		DeclRange: block.DefRange(),
	}

	if res.Type == "" || res.Name == "" {
		return nil, fmt.Errorf("resource at %s has empty type or name", res.DeclRange.String())
	}

	if len(block.Body.Blocks) > 0 {
		nested := block.Body.Blocks[0]
		return nil, fmt.Errorf("%s: nested %q block is not supported; use object arguments",
			res.Addr(), nested.Type)
	}

	// Attribute maps are unordered; sort by source position so declaration
	// order is stable.
	attrs := make([]*hclsyntax.Attribute, 0, len(block.Body.Attributes))
	for _, attr := range block.Body.Attributes {
		attrs = append(attrs, attr)
	}
	sort.Slice(attrs, func(i, j int) bool {
		return attrs[i].SrcRange.Start.Byte < attrs[j].SrcRange.Start.Byte
	})

	seen := make(map[string]bool)
	for _, attr := range attrs {
		res.Arguments[attr.Name] = attr.Expr
		res.ArgumentNames = append(res.ArgumentNames, attr.Name)

		for _, traversal := range attr.Expr.Variables() {
			ref, err := referenceFromTraversal(traversal, attr.Name)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", res.Addr(), err)
			}

			key := ref.TargetAddr() + "." + ref.Attr
			if seen[key] {
				continue
			}
			seen[key] = true
			res.References = append(res.References, ref)
		}
	}

	return res, nil
}

// referenceFromTraversal interprets a variable traversal as a resource
// reference of the form <type>.<name> or <type>.<name>.<attr>.
func referenceFromTraversal(traversal hcl.Traversal, sourceArg string) (Reference, error) {
	root, ok := traversal[0].(hcl.TraverseRoot)
	if !ok {
		return Reference{}, fmt.Errorf("invalid reference at %s", traversal.SourceRange().String())
	}

	if len(traversal) < 2 {
		return Reference{}, fmt.Errorf("reference %q at %s must name a resource as <type>.<name>",
			root.Name, traversal.SourceRange().String())
	}

	nameStep, ok := traversal[1].(hcl.TraverseAttr)
	if !ok {
		return Reference{}, fmt.Errorf("reference on %q at %s must use attribute access",
			root.Name, traversal.SourceRange().String())
	}

	ref := Reference{
		TargetType: root.Name,
		TargetName: nameStep.Name,
		SourceArg:  sourceArg,
		Range:      traversal.SourceRange(),
	}

	if len(traversal) > 2 {
		attrStep, ok := traversal[2].(hcl.TraverseAttr)
		if !ok {
			return Reference{}, fmt.Errorf("reference %s at %s must use attribute access",
				ref.TargetAddr(), traversal.SourceRange().String())
		}
		ref.Attr = attrStep.Name
	}

	return ref, nil
}
