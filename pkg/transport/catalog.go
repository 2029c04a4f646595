package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/toolfront/toolfront/pkg/wire"
)

// catalogCache holds the tool/resource catalogs fetched from a backend for
// the adapter's lifetime. It is cleared only by an explicit refresh or
// invalidation, never as a side effect of other calls.
type catalogCache struct {
	mu            sync.Mutex
	toolList      []wire.Tool
	haveTools     bool
	resourceList  []wire.Resource
	haveResources bool
}

func (c *catalogCache) tools() ([]wire.Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveTools {
		return nil, false
	}
	return append([]wire.Tool(nil), c.toolList...), true
}

func (c *catalogCache) setTools(tools []wire.Tool) {
	c.mu.Lock()
	c.toolList = append([]wire.Tool(nil), tools...)
	c.haveTools = true
	c.mu.Unlock()
}

func (c *catalogCache) resources() ([]wire.Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveResources {
		return nil, false
	}
	return append([]wire.Resource(nil), c.resourceList...), true
}

func (c *catalogCache) setResources(resources []wire.Resource) {
	c.mu.Lock()
	c.resourceList = append([]wire.Resource(nil), resources...)
	c.haveResources = true
	c.mu.Unlock()
}

func (c *catalogCache) clear() {
	c.mu.Lock()
	c.toolList = nil
	c.haveTools = false
	c.resourceList = nil
	c.haveResources = false
	c.mu.Unlock()
}

// rpcCaller performs one protocol exchange; each adapter variant provides its
// own transport-specific implementation.
type rpcCaller func(ctx context.Context, method string, params any) (json.RawMessage, error)

func listToolsVia(ctx context.Context, call rpcCaller, cache *catalogCache) ([]wire.Tool, error) {
	if tools, ok := cache.tools(); ok {
		return tools, nil
	}
	raw, err := call(ctx, wire.MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	var result wire.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, transportFault("decoding tools/list result", err)
	}
	cache.setTools(result.Tools)
	return result.Tools, nil
}

func listResourcesVia(ctx context.Context, call rpcCaller, cache *catalogCache) ([]wire.Resource, error) {
	if resources, ok := cache.resources(); ok {
		return resources, nil
	}
	raw, err := call(ctx, wire.MethodListResources, nil)
	if err != nil {
		// Resource support is optional per backend; "method not found" means
		// an empty catalog, not a failure.
		if isMethodNotFound(err) {
			cache.setResources([]wire.Resource{})
			return []wire.Resource{}, nil
		}
		return nil, err
	}
	var result wire.ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, transportFault("decoding resources/list result", err)
	}
	cache.setResources(result.Resources)
	return result.Resources, nil
}
