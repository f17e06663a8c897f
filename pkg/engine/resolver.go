package engine

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/loom-iac/loom/pkg/config"
	"github.com/zclconf/go-cty/cty"
)

// Resolution is the outcome of evaluating a resource's arguments against the
// attribute values known so far.
type Resolution struct {
	// Args holds the arguments whose expressions evaluated fully.
	Args map[string]interface{}

	// Unresolved names arguments that reference attributes of resources
	// not yet applied. They resolve once their producers complete.
	Unresolved []string
}

// ResolveArgs evaluates each argument expression of res against known, a map
// from resource address to that resource's recorded attribute values. An
// argument referencing an address absent from known is reported as unresolved
// rather than an error; referencing an attribute a known resource does not
// export is permanent.
func ResolveArgs(res *config.Resource, known map[string]map[string]interface{}) (*Resolution, error) {
	resolution := &Resolution{
		Args: make(map[string]interface{}, len(res.Arguments)),
	}

	// Group references by source argument so each argument can be
	// classified before evaluating anything.
	refsByArg := make(map[string][]config.Reference)
	for _, ref := range res.References {
		refsByArg[ref.SourceArg] = append(refsByArg[ref.SourceArg], ref)
	}

	evalCtx, err := buildEvalContext(known)
	if err != nil {
		return nil, err
	}

	for _, name := range res.ArgumentNames {
		pending := false
		for _, ref := range refsByArg[name] {
			attrs, ok := known[ref.TargetAddr()]
			if !ok {
				pending = true
				continue
			}
			if ref.Attr != "" {
				if _, ok := attrs[ref.Attr]; !ok {
					return nil, NewPermanentError(
						fmt.Sprintf("resource %s does not export attribute %q (referenced by %s.%s)",
							ref.TargetAddr(), ref.Attr, res.Addr(), name),
						nil,
					).WithCode(ErrCodeUnknownReference).WithResource(res.Addr()).
						WithDetail("argument", name)
				}
			}
		}
		if pending {
			resolution.Unresolved = append(resolution.Unresolved, name)
			continue
		}

		value, diags := res.Arguments[name].Value(evalCtx)
		if diags.HasErrors() {
			return nil, NewPermanentError(
				fmt.Sprintf("failed to evaluate argument %s.%s: %s", res.Addr(), name, diags.Error()),
				nil,
			).WithCode(ErrCodeValidation).WithResource(res.Addr())
		}

		goValue, err := ctyToGo(value)
		if err != nil {
			return nil, NewPermanentError(
				fmt.Sprintf("unsupported value for argument %s.%s", res.Addr(), name),
				err,
			).WithCode(ErrCodeValidation).WithResource(res.Addr())
		}
		resolution.Args[name] = goValue
	}

	return resolution, nil
}

// buildEvalContext exposes known attribute values as HCL variables, shaped so
// that sim_table.contacts.arn traverses type, then name, then attribute.
func buildEvalContext(known map[string]map[string]interface{}) (*hcl.EvalContext, error) {
	byType := make(map[string]map[string]cty.Value)

	for addr, attrs := range known {
		resType, resName, ok := splitAddr(addr)
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("malformed resource address %q in state", addr), nil,
			).WithCode(ErrCodeInternal)
		}

		attrValues := make(map[string]cty.Value, len(attrs))
		for attr, value := range attrs {
			ctyValue, err := goToCty(value)
			if err != nil {
				return nil, NewPermanentError(
					fmt.Sprintf("unsupported attribute value %s.%s", addr, attr), err,
				).WithCode(ErrCodeInternal).WithResource(addr)
			}
			attrValues[attr] = ctyValue
		}

		if byType[resType] == nil {
			byType[resType] = make(map[string]cty.Value)
		}
		byType[resType][resName] = cty.ObjectVal(attrValues)
	}

	variables := make(map[string]cty.Value, len(byType))
	for resType, names := range byType {
		variables[resType] = cty.ObjectVal(names)
	}

	return &hcl.EvalContext{Variables: variables}, nil
}

// splitAddr splits "<type>.<name>" into its parts.
func splitAddr(addr string) (resType, resName string, ok bool) {
	for i := 0; i < len(addr); i++ {
		if addr[i] == '.' {
			if i == 0 || i == len(addr)-1 {
				return "", "", false
			}
			return addr[:i], addr[i+1:], true
		}
	}
	return "", "", false
}

// ctyToGo converts an evaluated cty value to its Go representation. Numbers
// become float64 so values compare equal after a JSON state round trip.
func ctyToGo(v cty.Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		result := make([]interface{}, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			goElem, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			result = append(result, goElem)
		}
		return result, nil

	case ty.IsObjectType() || ty.IsMapType():
		result := make(map[string]interface{}, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			goElem, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			result[key.AsString()] = goElem
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}

// goToCty converts a Go value from state back into a cty value for evaluation.
func goToCty(v interface{}) (cty.Value, error) {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(val), nil
	case bool:
		return cty.BoolVal(val), nil
	case int:
		return cty.NumberIntVal(int64(val)), nil
	case int64:
		return cty.NumberIntVal(val), nil
	case float64:
		return cty.NumberVal(big.NewFloat(val)), nil

	case []interface{}:
		if len(val) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, 0, len(val))
		for _, elem := range val {
			ctyElem, err := goToCty(elem)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, ctyElem)
		}
		return cty.TupleVal(elems), nil

	case map[string]interface{}:
		if len(val) == 0 {
			return cty.EmptyObjectVal, nil
		}
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		attrs := make(map[string]cty.Value, len(val))
		for _, key := range keys {
			ctyElem, err := goToCty(val[key])
			if err != nil {
				return cty.NilVal, err
			}
			attrs[key] = ctyElem
		}
		return cty.ObjectVal(attrs), nil

	default:
		return cty.NilVal, fmt.Errorf("unsupported value type %T", v)
	}
}
