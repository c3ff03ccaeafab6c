package server

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/itiky/deltasync/model"
)

// Built-in method names.
const (
	MethodEcho     = "echo"
	MethodRevision = "revision"
	MethodPatch    = "patch"
	MethodMethods  = "methods"
	MethodGet      = "get"
)

// getParams are the "get" method params: {"path": ["a", "b"] | "a.b", "default": <value>}.
type getParams struct {
	Path    []string    `mapstructure:"path"`
	Default interface{} `mapstructure:"default"`
}

// RegisterDefaultMethods registers the built-in methods.
func RegisterDefaultMethods(g *Gateway) error {
	defaults := []struct {
		name    string
		handler MethodHandler
		opts    []MethodOpt
	}{
		{MethodEcho, echoHandler, []MethodOpt{Static()}},
		{MethodRevision, revisionHandler, []MethodOpt{Static()}},
		{MethodMethods, methodsHandler, []MethodOpt{Static()}},
		{MethodPatch, patchHandler, nil},
		{MethodGet, getHandler, nil},
	}

	for _, m := range defaults {
		if err := g.Register(m.name, m.handler, m.opts...); err != nil {
			return fmt.Errorf("registering %s: %w", m.name, err)
		}
	}

	return nil
}

// echoHandler returns params as is.
func echoHandler(_ context.Context, req *CallRequest) (model.Value, error) {
	return req.Call.Params, nil
}

// revisionHandler returns the last committed revision.
func revisionHandler(_ context.Context, req *CallRequest) (model.Value, error) {
	return model.String(req.Store.Revision()), nil
}

// methodsHandler lists the registered methods.
func methodsHandler(_ context.Context, req *CallRequest) (model.Value, error) {
	names := req.Gateway.Methods()
	out := make(model.Array, 0, len(names))
	for _, name := range names {
		out = append(out, model.String(name))
	}

	return out, nil
}

// patchHandler applies params as a store patch.
func patchHandler(_ context.Context, req *CallRequest) (model.Value, error) {
	patch, ok := req.Call.Params.(model.Map)
	if !ok {
		return nil, model.NewRPCError(model.CodeInvalidParams, "params: map expected, got %s", model.KindOf(req.Call.Params))
	}
	req.Store.Add(patch)

	return nil, nil
}

// getHandler reads a node of the working copy (own patches of the exchange are visible).
func getHandler(_ context.Context, req *CallRequest) (model.Value, error) {
	var params getParams
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToSliceHookFunc("."),
		ErrorUnused: true,
		Result:      &params,
	})
	if err != nil {
		return nil, fmt.Errorf("mapstructure.NewDecoder: %w", err)
	}
	if err := decoder.Decode(model.ToInterface(req.Call.Params)); err != nil {
		return nil, model.NewRPCError(model.CodeInvalidParams, "params: %v", err)
	}

	def, err := model.FromInterface(params.Default)
	if err != nil {
		return nil, model.NewRPCError(model.CodeInvalidParams, "params: default: %v", err)
	}

	return model.Clone(model.PathGet(req.Store.Working(), params.Path, def)), nil
}
