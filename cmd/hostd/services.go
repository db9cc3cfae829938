package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ehrlich-b/exthost/internal/registry"
	"github.com/ehrlich-b/exthost/internal/rpc"
	"github.com/ehrlich-b/exthost/internal/secretstore"
)

// extHostExtensionServiceActivate is the guest's ExtHostExtensionService
// method index for activate(extensionId), the first (and for this
// build, only) method the host calls on that shape.
const extHostExtensionServiceActivate = 0

// activateExtension calls activate(extensionId) on the guest's
// ExtHostExtensionService shape (spec line 324 / end-to-end scenario
// 1: the host must actually invoke activation over RPC, not merely
// log that it happened).
func activateExtension(ctx context.Context, reg *registry.Registry, layer *rpc.Layer, extensionID string) error {
	proxyID, ok := reg.ProxyID(registry.Guest, "ExtHostExtensionService")
	if !ok {
		return fmt.Errorf("activate extension: ExtHostExtensionService not registered")
	}
	args, err := json.Marshal([]any{extensionID})
	if err != nil {
		return fmt.Errorf("activate extension: encode args: %w", err)
	}
	_, err = layer.Call(proxyID, extHostExtensionServiceActivate, args, ctx.Done())
	return err
}

// registerHostServices wires the host-side shapes this build actually
// implements. Per spec, the leaf business logic behind most shapes
// (L11) is out of scope; MainThreadSecretState is the one shape with a
// real host-side implementation (internal/secretstore), so it's the
// one registered here.
func registerHostServices(reg *registry.Registry, layer *rpc.Layer, secrets *secretstore.Store, log *slog.Logger) {
	proxyID, ok := reg.ProxyID(registry.Host, "MainThreadSecretState")
	if !ok {
		return
	}

	layer.RegisterService(proxyID, &rpc.ServiceHandler{
		Methods: []rpc.MethodSpec{
			{
				Name:     "getPassword",
				Decoders: []rpc.Decoder{decodeString, decodeString},
				Handler: func(args []any, _ <-chan struct{}) (any, error) {
					extensionID, _ := args[0].(string)
					key, _ := args[1].(string)
					value, ok, err := secrets.Get(extensionID, key)
					if err != nil {
						return nil, err
					}
					if !ok {
						return nil, nil
					}
					return value, nil
				},
			},
			{
				Name:     "setPassword",
				Decoders: []rpc.Decoder{decodeString, decodeString, decodeString},
				Handler: func(args []any, _ <-chan struct{}) (any, error) {
					extensionID, _ := args[0].(string)
					key, _ := args[1].(string)
					value, _ := args[2].(string)
					return nil, secrets.Set(extensionID, key, value)
				},
			},
			{
				Name:     "deletePassword",
				Decoders: []rpc.Decoder{decodeString, decodeString},
				Handler: func(args []any, _ <-chan struct{}) (any, error) {
					extensionID, _ := args[0].(string)
					key, _ := args[1].(string)
					return nil, secrets.Delete(extensionID, key)
				},
			},
		},
	})

	log.Debug("registered host service", "shape", "MainThreadSecretState")
}

func decodeString(raw json.RawMessage) (any, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}
