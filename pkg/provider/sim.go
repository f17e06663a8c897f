package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loom-iac/loom/pkg/engine"
	"github.com/loom-iac/loom/pkg/telemetry"
)

// Simulation control arguments, honored by every sim resource type.
const (
	// argSimulateError makes the provider fail with the named error
	// class: "transient", "throttled" or "permanent".
	argSimulateError = "simulate_error"

	// argSimulateDelay makes the provider sleep for a duration string
	// before responding, e.g. "50ms".
	argSimulateDelay = "simulate_delay"
)

// SimProvider provisions simulated resources. Nothing real is created; each
// resource gets a generated id and arn, making the provider useful for
// exercising plan and apply flows end to end.
type SimProvider struct{}

// NewSimProvider creates the sim provider.
func NewSimProvider() *SimProvider {
	return &SimProvider{}
}

// Name returns the provider name.
func (p *SimProvider) Name() string {
	return "sim"
}

// Create provisions a simulated resource.
func (p *SimProvider) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResponse, error) {
	if err := p.simulate(ctx, req.Args, "create", req.Address); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	attrs := make(map[string]interface{}, len(req.Args)+3)
	for name, value := range req.Args {
		attrs[name] = value
	}
	attrs["id"] = id
	attrs["arn"] = fmt.Sprintf("sim:%s:%s", req.Type, id)

	if req.Type == "sim_random_suffix" {
		attrs["value"] = strings.ReplaceAll(id, "-", "")[:8]
	}

	return &engine.CreateResponse{Attributes: attrs}, nil
}

// Update reconciles a simulated resource to new argument values. Computed
// attributes keep their prior values, so a suffix stays stable across updates.
func (p *SimProvider) Update(ctx context.Context, req engine.UpdateRequest) (*engine.UpdateResponse, error) {
	if err := p.simulate(ctx, req.Args, "update", req.Address); err != nil {
		return nil, err
	}

	attrs := make(map[string]interface{}, len(req.Args)+3)
	for name, value := range req.Args {
		attrs[name] = value
	}
	for _, computed := range []string{"id", "arn", "value"} {
		if prior, ok := req.Prior[computed]; ok {
			attrs[computed] = prior
		}
	}

	return &engine.UpdateResponse{Attributes: attrs}, nil
}

// Destroy removes a simulated resource.
func (p *SimProvider) Destroy(ctx context.Context, req engine.DestroyRequest) error {
	return p.simulate(ctx, req.Attributes, "destroy", req.Address)
}

// simulate applies the control arguments: an optional delay, then an
// optional injected failure.
func (p *SimProvider) simulate(ctx context.Context, args map[string]interface{}, operation, addr string) error {
	logger := telemetry.FromContext(ctx)

	if raw, ok := args[argSimulateDelay].(string); ok {
		delay, err := time.ParseDuration(raw)
		if err != nil {
			return engine.NewPermanentError(
				fmt.Sprintf("invalid %s value %q", argSimulateDelay, raw), err,
			).WithCode(engine.ErrCodeValidation).WithResource(addr)
		}

		logger.Debugf("simulating %s delay of %s for %s", operation, delay, addr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return engine.NewTransientError("simulated operation interrupted", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).WithResource(addr).WithOperation(operation)
		}
	}

	if class, ok := args[argSimulateError].(string); ok {
		logger.Debugf("injecting %s failure into %s of %s", class, operation, addr)
		injected := fmt.Errorf("simulated %s failure", class)
		switch class {
		case "transient":
			return engine.NewTransientError("injected provider failure", injected).
				WithCode(engine.ErrCodeProviderFailed).WithResource(addr).WithOperation(operation)
		case "throttled":
			return engine.NewThrottledError("injected provider failure", injected).
				WithCode(engine.ErrCodeProviderFailed).WithResource(addr).WithOperation(operation)
		case "permanent":
			return engine.NewPermanentError("injected provider failure", injected).
				WithCode(engine.ErrCodeProviderFailed).WithResource(addr).WithOperation(operation)
		default:
			return engine.NewPermanentError(
				fmt.Sprintf("unknown %s class %q", argSimulateError, class), nil,
			).WithCode(engine.ErrCodeValidation).WithResource(addr)
		}
	}

	return nil
}
